//go:build !linux

package unitctl

import "context"

func Run(ctx context.Context, unit string, a Action) (string, error) {
	return "", ErrUnsupported
}
