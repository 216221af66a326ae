package blocks

import (
	"bytes"
	"context"
	"text/template"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/blockflow/blockflow/pkg/engine"
)

func markdownFactory(Options) engine.Factory {
	return func(engine.Config) (engine.Executor, error) {
		md := goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
			),
		)

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			var buf bytes.Buffer
			if err := md.Convert([]byte(in.String()), &buf); err != nil {
				return engine.Value{}, engine.NewBlockError("markdown", "render_failed", err.Error()).
					WithRetryable(false).
					Wrap(err)
			}
			return engine.Text(buf.String()), nil
		}), nil
	}
}

// TemplateData is the dot value of template blocks.
type TemplateData struct {
	Input string
	Lines []string
	Run   engine.RunInfo
}

func templateFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		text, err := cfg.RequireString("template")
		if err != nil {
			return nil, err
		}
		tmpl, err := template.New("block").Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, &engine.ConfigError{Key: "template", Message: "failed to parse template", Err: err}
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			data := TemplateData{Input: in.String(), Lines: in.Strings()}
			if info, ok := engine.RunInfoFromContext(ctx); ok {
				data.Run = info
			}

			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, data); err != nil {
				return engine.Value{}, engine.NewBlockError("template", "render_failed", err.Error()).
					WithRetryable(false).
					Wrap(err)
			}
			return engine.Text(buf.String()), nil
		}), nil
	}
}

// cronParser accepts the five field standard syntax plus descriptors such as @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func cronFactory(o Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		spec, err := cfg.RequireString("schedule")
		if err != nil {
			return nil, err
		}
		sched, err := cronParser.Parse(spec)
		if err != nil {
			return nil, &engine.ConfigError{Key: "schedule", Message: "invalid cron expression", Err: err}
		}
		wait, err := cfg.Bool("wait", true)
		if err != nil {
			return nil, err
		}
		now := o.Now

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			next := sched.Next(now())
			if next.IsZero() {
				return engine.Value{}, engine.NewBlockError("cron", "no_upcoming_tick", "schedule has no upcoming time").
					WithRetryable(false)
			}
			if !wait {
				return engine.Text(next.Format(time.RFC3339)), nil
			}

			timer := time.NewTimer(next.Sub(now()))
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return engine.Value{}, ctx.Err()
			case <-timer.C:
				return engine.Text(now().Format(time.RFC3339)), nil
			}
		}), nil
	}
}
