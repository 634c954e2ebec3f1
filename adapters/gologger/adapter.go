package gologger

import (
	"strings"

	"github.com/goliatone/go-adsconnect/core"
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const LoggerName = "adsconnect"

// Loggers is one resolved logger setup shared by the service and the
// go-job workers that run collect jobs.
type Loggers struct {
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(provider glog.LoggerProvider, logger glog.Logger) Loggers {
	resolvedProvider, resolvedLogger := glog.Resolve(LoggerName, provider, logger)
	return Loggers{
		Provider:    resolvedProvider,
		Logger:      resolvedLogger,
		JobProvider: toJobProvider(resolvedProvider),
		JobLogger:   toJobLogger(resolvedLogger),
	}
}

// Named returns the component logger "adsconnect.<component>", falling back
// to the root logger when no provider is set.
func (l Loggers) Named(component string) glog.Logger {
	component = strings.TrimSpace(component)
	if l.Provider != nil && component != "" {
		if named := l.Provider.GetLogger(LoggerName + "." + component); named != nil {
			return named
		}
	}
	return glog.Ensure(l.Logger)
}

// ServiceOptions hands the resolved pair to core.NewService.
func (l Loggers) ServiceOptions() []core.Option {
	return []core.Option{
		core.WithLoggerProvider(l.Provider),
		core.WithLogger(l.Logger),
	}
}

func toJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func toJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}
