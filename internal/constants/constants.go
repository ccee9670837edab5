package constants

import "time"

// Set at build time with -ldflags "-X .../constants.Commit=<sha>".
var Commit = "dev"

const (
	// Mbps = bytes/s * BitsPerByte / BitsPerMegabit
	BitsPerByte    = 8
	BitsPerMegabit = 1_000_000

	ProbeTimeout    = 5 * time.Second
	StderrTailLines = 20
)

var (
	PrimaryBinaryPath = "./ookla-speedtest-gui/speedtest"

	FallbackBinaryPaths = []string{
		"ookla-speedtest/speedtest",
		"/usr/local/bin/speedtest",
		"/usr/bin/speedtest",
	}

	BinaryCommand = "speedtest"

	RunArgs   = []string{"--format=json", "--progress=yes"}
	ProbeArgs = []string{"--version"}
)

// BandwidthToMbps converts the tool's bytes per second figure to megabits per second.
func BandwidthToMbps(bytesPerSecond float64) float64 {
	return bytesPerSecond * BitsPerByte / BitsPerMegabit
}
