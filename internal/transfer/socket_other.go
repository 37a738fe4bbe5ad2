//go:build !unix

package transfer

// The raw socket loop needs poll(2)
func newSocketStrategy(cfg Config) (fetcher, bool) {
	return nil, false
}
