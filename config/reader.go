package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"

	"go.viam.com/fusion/logging"
)

// Read reads a JSON config from the given file, expanding environment variables first.
func Read(ctx context.Context, filePath string, logger logging.Logger) (AttributeMap, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", filePath)
	}
	logger.CDebugf(ctx, "read config from %s", filePath)
	return FromReader(ctx, filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader. originalPath is only used in errors.
func FromReader(ctx context.Context, originalPath string, r io.Reader, logger logging.Logger) (AttributeMap, error) {
	var attrs map[string]interface{}
	if err := json.NewDecoder(r).Decode(&attrs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config %q from json", originalPath)
	}
	am := AttributeMap(attrs)
	if _, err := SettingsFromParameters(am); err != nil {
		return nil, errors.Wrapf(err, "invalid settings in %q", originalPath)
	}
	logger.CDebugf(ctx, "config %q has %d top level keys", originalPath, len(am))
	return am, nil
}
