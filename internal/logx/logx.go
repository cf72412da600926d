// Package logx wires zap's global logger for the async runtime. Every core
// component takes a named sub-logger from here instead of calling
// fmt.Println directly (SPEC_FULL.md §10).
package logx

import (
	"os"

	"go.uber.org/zap"
)

func init() {
	logger, err := build()
	if err != nil {
		panic("hiper: logx init: " + err.Error())
	}
	zap.ReplaceGlobals(logger)
}

// build chooses a production or development zap config based on
// HIPER_ENV, matching the corpus's env-flag-driven logger selection.
func build() (*zap.Logger, error) {
	if os.Getenv("HIPER_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// L returns a named sub-logger off the global zap logger.
func L(name string) *zap.SugaredLogger {
	return zap.S().Named(name)
}

// Sync flushes the global logger's buffers. Call once from main before
// exit.
func Sync() {
	_ = zap.L().Sync()
}
