//go:build !ORT

package embedding

import (
	"fmt"

	"github.com/knights-analytics/hugot"
)

func createORTSession() (*hugot.Session, error) {
	return nil, fmt.Errorf("built without ORT support (build with -tags ORT)")
}
