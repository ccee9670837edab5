package types

import (
	"fmt"

	"github.com/SkylerRankin/speedtest_gui/internal/optional"
)

type Phase string

const (
	PhaseInit        Phase = "init"
	PhaseServerInfo  Phase = "server_info"
	PhasePing        Phase = "ping"
	PhaseDownload    Phase = "download"
	PhaseDownloadRaw Phase = "download_raw"
	PhaseUpload      Phase = "upload"
	PhaseUploadRaw   Phase = "upload_raw"
)

type RunState string

const (
	StateIdle       RunState = "idle"
	StateRunning    RunState = "running"
	StateCancelling RunState = "cancelling"
)

type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Event is the value record handed from a measurement worker to the UI context.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind          `json:"kind"`
	RunID   string             `json:"run_id"`
	Phase   Phase              `json:"phase,omitempty"`
	Value   float64            `json:"value"`
	Message string             `json:"message,omitempty"`
	Result  *MeasurementResult `json:"result,omitempty"`
}

func NewProgress(runID string, phase Phase, value float64, message string) Event {
	return Event{Kind: EventProgress, RunID: runID, Phase: phase, Value: value, Message: message}
}

func NewCompleted(runID string, result MeasurementResult) Event {
	return Event{Kind: EventCompleted, RunID: runID, Result: &result}
}

func NewError(runID string, message string) Event {
	return Event{Kind: EventError, RunID: runID, Message: message}
}

type MeasurementResult struct {
	RunID          string                `json:"run_id"`
	Timestamp      int64                 `json:"timestamp"`
	DownloadMbps   float64               `json:"download_mbps"`
	UploadMbps     float64               `json:"upload_mbps"`
	PingMS         float64               `json:"ping_ms"`
	JitterMS       float64               `json:"jitter_ms"`
	PacketLoss     optional.Opt[float64] `json:"packet_loss"`
	ISP            string                `json:"isp"`
	ServerName     string                `json:"server_name"`
	ServerID       string                `json:"server_id"`
	ServerLocation string                `json:"server_location"`
	ResultURL      optional.Opt[string]  `json:"result_url"`
}

// ServerLabel formats the server as "name (id)".
func (r MeasurementResult) ServerLabel() string {
	return fmt.Sprintf("%s (%s)", r.ServerName, r.ServerID)
}

type StatusResponse struct {
	State RunState `json:"state"`
}

type StartResponse struct {
	RunID string `json:"run_id"`
}

type IndexTemplateData struct {
	Commit string
}
