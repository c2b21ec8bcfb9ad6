package log

import (
	"log/slog"
	"time"
)

func InstanceID[T ~string](id T) slog.Attr {
	return slog.String("instance_id", string(id))
}

func StepID[T ~string](id T) slog.Attr {
	return slog.String("step_id", string(id))
}

func Workflow(name string) slog.Attr {
	return slog.String("workflow", name)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

func Delay(d time.Duration) slog.Attr {
	return slog.Duration("delay", d)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
