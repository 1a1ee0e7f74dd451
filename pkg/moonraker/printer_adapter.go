// Printer objects published to API clients.
package moonraker

import (
	"context"
	"sort"

	"klipper-powerloss/pkg/host"
	"klipper-powerloss/pkg/recovery"
	"klipper-powerloss/pkg/stream"
)

//go:generate mockgen -source=printer_adapter.go -destination=mocks/mock_backend.go -package=mocks

// Backend is the host the API drives. *host.Host implements it.
type Backend interface {
	Status() host.Status
	Command(ctx context.Context, script string) error
	StartJob(ctx context.Context, name string) error
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context, velocity float64) error
	Cancel(ctx context.Context) error
	Restore(ctx context.Context) error
	ClearRecovery(ctx context.Context) error
	RefreshTool(ctx context.Context, gcodeID string) error
	Inspect(ctx context.Context) (*recovery.Report, error)
	ListFiles() ([]stream.FileInfo, error)
}

// StatusProvider returns the attributes of one printer object.
type StatusProvider func(st host.Status) map[string]any

// objectProviders maps printer object names to their status.
var objectProviders = map[string]StatusProvider{
	"webhooks": func(st host.Status) map[string]any {
		return map[string]any{
			"state":         "ready",
			"state_message": "Printer is ready",
		}
	},
	"print_stats": func(st host.Status) map[string]any {
		ps := st.PrintStats
		info := map[string]any{
			"total_layer":   nil,
			"current_layer": nil,
		}
		if ps.TotalLayer != nil {
			info["total_layer"] = *ps.TotalLayer
		}
		if ps.CurrentLayer != nil {
			info["current_layer"] = *ps.CurrentLayer
		}
		return map[string]any{
			"filename":       ps.Filename,
			"total_duration": ps.TotalDuration,
			"print_duration": ps.PrintDuration,
			"filament_used":  ps.FilamentUsed,
			"state":          string(ps.State),
			"message":        ps.Message,
			"info":           info,
		}
	},
	"virtual_sdcard": func(st host.Status) map[string]any {
		return map[string]any{
			"file_path":     st.Stream.FilePath,
			"progress":      st.Stream.Progress,
			"is_active":     st.Stream.IsActive,
			"file_position": st.Stream.FilePosition,
			"file_size":     st.Stream.FileSize,
		}
	},
	"pause_resume": func(st host.Status) map[string]any {
		return map[string]any{"is_paused": st.IsPaused}
	},
	"display_status": func(st host.Status) map[string]any {
		return map[string]any{
			"progress": st.Stream.Progress,
			"message":  st.PrintStats.Message,
		}
	},
	"power_loss_recovery": func(st host.Status) map[string]any {
		return map[string]any{
			"main_state":    string(st.State),
			"action":        string(st.Action),
			"recoverable":   st.Recoverable,
			"recovery_step": st.Recovery,
			"lines":         st.Stream.Lines,
		}
	},
}

// ObjectNames lists the published printer objects.
func ObjectNames() []string {
	names := make([]string, 0, len(objectProviders))
	for name := range objectProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ObjectStatus returns object name filtered to attrs, or nil for an
// unknown object.
func ObjectStatus(st host.Status, name string, attrs []string) map[string]any {
	provider, ok := objectProviders[name]
	if !ok {
		return nil
	}
	return FilterStatus(provider(st), attrs)
}

// FilterStatus filters status map to only include requested attributes.
func FilterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 {
		return status
	}

	filtered := make(map[string]any)
	for _, attr := range attrs {
		if val, ok := status[attr]; ok {
			filtered[attr] = val
		}
	}
	return filtered
}
