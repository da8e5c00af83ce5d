//go:build !windows && !linux

package vmem

func open(int, Rights) (Process, error) {
	return nil, ErrUnsupported
}
