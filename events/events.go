// Package events provides the in-process bus that carries task lifecycle
// events from the task manager to best-effort consumers such as the audit
// log and metrics.
package events

import (
	"context"

	"github.com/GoCodeAlone/companion/task"
)

// Handler processes one delivered event. Errors are logged by the bus and
// never reach the producer.
type Handler func(ctx context.Context, ev task.Event) error
