package main

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"time"

	"github.com/pixelglade/cartkit/dump"
	"github.com/pixelglade/cartkit/gamecard"
	"github.com/pixelglade/cartkit/keystore"
	"github.com/pixelglade/cartkit/settings"
	"github.com/rs/zerolog/log"
)

type Cartkit struct {
	ConfigFilePath string `flag:"config" help:"Path to config file"`
	KeysFilePath   string `flag:"keys" help:"Path to your switch's keyfile"`
	CardImagePath  string `flag:"card" help:"Raw gamecard image to mount"`
	OutputPath     string `flag:"out" help:"Output file for the dump, defaults into the configured output folder"`

	keys     *keystore.Keystore `flag:"-"`
	settings *settings.Settings `flag:"-"`
	backend  *gamecard.FileBackend
	card     *gamecard.Service
}

func NewCartkit() *Cartkit {
	return &Cartkit{}
}

func (m *Cartkit) Run() error {
	settingsPath := "./config.json"
	if m.ConfigFilePath != "" {
		settingsPath = m.ConfigFilePath
	}
	m.settings = settings.NewSettings(settingsPath)
	m.settings.SetupLogging(os.Stdout)

	m.tryAndLoadKeys()

	m.backend = gamecard.NewFileBackend()
	m.card = gamecard.NewService(m.keys, m.backend)
	m.card.SetSettleDelay(m.settings.SettleDelay())
	if err := m.card.Start(); err != nil {
		return fmt.Errorf("starting card service raised %w", err)
	}
	defer m.card.Stop()

	if m.CardImagePath != "" {
		return m.dumpCard()
	}

	//No card given; sit on status updates until ctrl-c
	statuses := m.card.Subscribe()
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	for {
		select {
		case status := <-statuses:
			log.Info().Str("status", status.String()).Msg("Card status changed")
		case <-interrupted:
			log.Warn().Msg("Control-C received, shutting down")
			return nil
		}
	}
}

func (m *Cartkit) dumpCard() error {
	statuses := m.card.Subscribe()
	if err := m.backend.Insert(m.CardImagePath); err != nil {
		return err
	}

	//Wait out the settle delay plus margin for the info load
	deadline := time.After(m.settings.SettleDelay() + 30*time.Second)
	for !m.card.IsReady() {
		select {
		case <-statuses:
		case <-deadline:
			return fmt.Errorf("card %s never became ready", m.CardImagePath)
		}
	}

	outputPath := m.OutputPath
	if outputPath == "" {
		if err := os.MkdirAll(m.settings.OutputFolder, 0755); err != nil {
			return fmt.Errorf("creating output folder raised %w", err)
		}
		name := filepath.Base(m.CardImagePath) + ".dump"
		if m.settings.CompressDumps {
			name += ".zst"
		}
		outputPath = path.Join(m.settings.OutputFolder, name)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating dump file raised %w", err)
	}
	defer out.Close()

	written, err := dump.Card(m.card, out, m.settings.TrimDumps, dump.Options{
		ChunkSize: m.settings.DumpChunkSize(),
		Zstd:      m.settings.CompressDumps,
	})
	if err != nil {
		return err
	}
	log.Info().Str("path", outputPath).Uint64("written", written).Msg("Card dumped")
	return nil
}

func (m *Cartkit) tryAndLoadKeys() {
	paths := []string{}
	if m.KeysFilePath != "" {
		if keys := loadKeys(m.KeysFilePath); keys != nil {
			m.keys = keys
			return
		}
	}
	paths = append(paths, "./prod.keys")
	//Append user home folder if it exists
	if userHomeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, path.Join(userHomeDir, ".switch", "prod.keys"))
	}
	//Append executable folder if it exists
	if ex, err := os.Executable(); err == nil {
		paths = append(paths, path.Join(filepath.Dir(ex), "prod.keys"))
	}

	for _, keyPath := range paths {
		if keys := loadKeys(keyPath); keys != nil {
			m.keys = keys
			return
		}
	}
	log.Warn().Msg("No keys could be loaded, functionality will be limited")
}

func loadKeys(keyPath string) *keystore.Keystore {
	if _, err := os.Stat(keyPath); err != nil {
		return nil
	}
	log.Info().Str("path", keyPath).Msg("Loading keys...")

	file, err := os.Open(keyPath)
	if err != nil {
		return nil
	}
	defer file.Close()
	keys, err := keystore.NewKeystore(file)
	if err != nil {
		log.Info().Err(err).Msg("Could not load keys")
		return nil
	}
	return keys
}
