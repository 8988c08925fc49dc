//go:build tinygo

package kernel

func captureStack() []byte {
	return nil
}
