package runner

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/SkylerRankin/speedtest_gui/internal/constants"
	"github.com/SkylerRankin/speedtest_gui/internal/optional"
	"github.com/SkylerRankin/speedtest_gui/internal/types"
)

const unknown = "Unknown"

// Record types emitted by the speedtest CLI in --format=json mode.
const (
	recordTestStart = "testStart"
	recordPing      = "ping"
	recordDownload  = "download"
	recordUpload    = "upload"
	recordResult    = "result"
)

type envelope struct {
	Type string `json:"type"`
}

// flexString accepts both JSON strings and numbers; the CLI reports server ids
// as numbers while other producers quote them.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

type serverRecord struct {
	ID       flexString `json:"id"`
	Name     string     `json:"name"`
	Location string     `json:"location"`
	Country  string     `json:"country"`
}

type pingRecord struct {
	Latency  float64 `json:"latency"`
	Jitter   float64 `json:"jitter"`
	Progress float64 `json:"progress"`
}

type transferRecord struct {
	Bandwidth float64 `json:"bandwidth"`
	Progress  float64 `json:"progress"`
}

type progressRecord struct {
	Server   *serverRecord   `json:"server"`
	Ping     *pingRecord     `json:"ping"`
	Download *transferRecord `json:"download"`
	Upload   *transferRecord `json:"upload"`
}

type resultRecord struct {
	Server     *serverRecord   `json:"server"`
	Ping       *pingRecord     `json:"ping"`
	Download   *transferRecord `json:"download"`
	Upload     *transferRecord `json:"upload"`
	PacketLoss *float64        `json:"packetLoss"`
	ISP        *string         `json:"isp"`
	Result     *struct {
		URL *string `json:"url"`
	} `json:"result"`
}

// formatLocation joins location and country the way the result panel shows it.
func formatLocation(location, country string) string {
	switch {
	case location != "" && country != "" && location != country:
		return location + ", " + country
	case location == "":
		return country
	default:
		return location
	}
}

type serverInfo struct {
	name     string
	location string
}

func (s serverInfo) known() bool {
	return s.name != unknown && s.location != ""
}

func (s serverInfo) String() string {
	return fmt.Sprintf("%s (%s)", s.name, s.location)
}

func (s serverInfo) suffix() string {
	if !s.known() {
		return ""
	}
	return " - " + s.String()
}

// streamParser turns stdout lines of one run into progress events. It keeps
// the server announced by testStart so that later messages can name it.
type streamParser struct {
	runID  string
	server serverInfo
}

func newStreamParser(runID string) *streamParser {
	return &streamParser{
		runID:  runID,
		server: serverInfo{name: unknown},
	}
}

// Parse returns the progress events for a line. isResult reports that the
// line is the final result record, which yields no progress of its own.
// Lines that are not JSON, or lack the nested object for their type, are
// ignored.
func (p *streamParser) Parse(line []byte) (events []types.Event, isResult bool) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, false
	}

	if env.Type == recordResult {
		return nil, true
	}

	var rec progressRecord
	switch env.Type {
	case recordTestStart, recordPing, recordDownload, recordUpload:
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}

	switch env.Type {
	case recordTestStart:
		if rec.Server == nil {
			return nil, false
		}
		name := rec.Server.Name
		if name == "" {
			name = unknown
		}
		p.server = serverInfo{
			name:     name,
			location: formatLocation(rec.Server.Location, rec.Server.Country),
		}
		return []types.Event{
			types.NewProgress(p.runID, types.PhaseServerInfo, 0, "Testing with "+p.server.String()),
		}, false

	case recordPing:
		if rec.Ping == nil {
			return nil, false
		}
		message := fmt.Sprintf("Testing ping: %.2f ms", rec.Ping.Latency) + p.server.suffix()
		return []types.Event{
			types.NewProgress(p.runID, types.PhasePing, rec.Ping.Progress, message),
		}, false

	case recordDownload:
		if rec.Download == nil {
			return nil, false
		}
		return p.transfer(rec.Download, types.PhaseDownload, types.PhaseDownloadRaw, "Running download test"), false

	case recordUpload:
		if rec.Upload == nil {
			return nil, false
		}
		return p.transfer(rec.Upload, types.PhaseUpload, types.PhaseUploadRaw, "Running upload test"), false
	}

	return nil, false
}

func (p *streamParser) transfer(t *transferRecord, phase, rawPhase types.Phase, label string) []types.Event {
	message := label + p.server.suffix()
	return []types.Event{
		types.NewProgress(p.runID, phase, t.Progress, message),
		types.NewProgress(p.runID, rawPhase, constants.BandwidthToMbps(t.Bandwidth), message),
	}
}

// Result decodes the final result record. The server location announced by
// testStart takes precedence over the one repeated in the result.
func (p *streamParser) Result(line []byte, now time.Time) (types.MeasurementResult, error) {
	var rec resultRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return types.MeasurementResult{}, err
	}

	result := types.MeasurementResult{
		RunID:          p.runID,
		Timestamp:      now.UnixMilli(),
		PacketLoss:     optional.FromPtr(rec.PacketLoss),
		ISP:            unknown,
		ServerName:     unknown,
		ServerID:       unknown,
		ServerLocation: unknown,
		ResultURL:      optional.Empty[string](),
	}

	if rec.Download != nil {
		result.DownloadMbps = constants.BandwidthToMbps(rec.Download.Bandwidth)
	}
	if rec.Upload != nil {
		result.UploadMbps = constants.BandwidthToMbps(rec.Upload.Bandwidth)
	}
	if rec.Ping != nil {
		result.PingMS = rec.Ping.Latency
		result.JitterMS = rec.Ping.Jitter
	}
	if rec.ISP != nil {
		result.ISP = *rec.ISP
	}
	if rec.Result != nil {
		result.ResultURL = optional.FromPtr(rec.Result.URL)
	}

	if rec.Server != nil {
		if rec.Server.Name != "" {
			result.ServerName = rec.Server.Name
		}
		if rec.Server.ID != "" {
			result.ServerID = string(rec.Server.ID)
		}
		if location := formatLocation(rec.Server.Location, rec.Server.Country); location != "" {
			result.ServerLocation = location
		}
	}
	if p.server.location != "" {
		result.ServerLocation = p.server.location
	}

	return result, nil
}
