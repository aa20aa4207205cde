// Package passlog holds the registry of pass-log backends.
// Backends register themselves by name in their init functions.
package passlog

import (
	"context"
	"fmt"

	"github.com/bobg/bsync"
)

// Factory creates a pass log from a backend-specific configuration.
type Factory func(context.Context, map[string]interface{}) (bsync.PassLog, error)

var registry = make(map[string]Factory)

func Register(key string, f Factory) {
	registry[key] = f
}

func Create(ctx context.Context, key string, conf map[string]interface{}) (bsync.PassLog, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("pass log type %s not found in registry", key)
	}
	return f(ctx, conf)
}
