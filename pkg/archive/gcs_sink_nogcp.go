//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, string, string) (Sink, error) {
	return nil, fmt.Errorf("GCS sinks are not enabled in this build (use -tags gcp)")
}
