package settings

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	OutputFolder           string `json:"outputFolder"`           // Where dumped images are written to
	CompressDumps          bool   `json:"compressDumps"`          // Compress dump output with zstd
	TrimDumps              bool   `json:"trimDumps"`              // Stop card dumps at the valid data end instead of full capacity
	DumpChunkSizeKiB       int    `json:"dumpChunkSizeKiB"`       // Chunk size used by the dump pipeline
	CardSettleDelaySeconds int    `json:"cardSettleDelaySeconds"` // Wait after card insertion before reading
	LogLevel               string `json:"logLevel"`               // trace/debug/info/warn/error
	// Private
	filePath string
}

// NewSettings creates settings with sane defaults
// And then loads any settings from the provided path (overwriting defaults)
func NewSettings(path string) *Settings {
	settings := &Settings{
		filePath:               path,
		OutputFolder:           "./dumps",
		CompressDumps:          false, // default "safe"
		TrimDumps:              true,
		DumpChunkSizeKiB:       1024,
		CardSettleDelaySeconds: 3,
		LogLevel:               "info",
	}
	//Load the settings file if it exists, which will override the defaults above if specified
	settings.Load()
	//Save to preserve if we have added anything to the file, and drop no-longer used settings for clarity
	settings.Save()
	return settings
}

func (s *Settings) Load() {
	//Load existing settings file if possible; if not just keep defaults
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, s); err != nil {
		fmt.Println("Couldn't load settings", err)
	}
}

// LoadFrom overlays settings from any reader, used for testing and piped configs.
func (s *Settings) LoadFrom(reader io.Reader) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, s); err != nil {
		fmt.Println("Couldn't load settings", err)
	}
}

func (s *Settings) Save() {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Couldn't save settings - %v", err)
		return
	}
	err = os.WriteFile(s.filePath, data, 0666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Couldn't save settings - %v", err)
	}
}

// SetupLogging points the global logger at the given writer with the configured
// level. Called again whenever the output destination changes.
func (s *Settings) SetupLogging(out io.Writer) {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()
}

// SettleDelay is the configured card settle delay as a duration.
func (s *Settings) SettleDelay() time.Duration {
	return time.Duration(s.CardSettleDelaySeconds) * time.Second
}

// DumpChunkSize is the configured dump chunk size in bytes.
func (s *Settings) DumpChunkSize() int {
	return s.DumpChunkSizeKiB * 1024
}
