// rclone-changer emulates a tape library autochanger for a backup
// application, with each virtual slot backed by a file object in remote
// storage. It is called the way mtx-changer is called:
//
//	rclone-changer [flags] CHANGER-DEVICE COMMAND [SLOT [ARCHIVE-DEVICE]]
//
// where CHANGER-DEVICE is the remote path holding the library (an rclone
// remote spec or an s3: path) and COMMAND is one of loaded, load, unload,
// list, slots or inittape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alexflint/go-arg"

	"github.com/afrimberger/rclone-changer/changer"
	"github.com/afrimberger/rclone-changer/journal"
	"github.com/afrimberger/rclone-changer/remote"
	"github.com/afrimberger/rclone-changer/utils"
)

type args struct {
	ChangerDevice string `arg:"positional,required" help:"remote path holding the virtual tape library"`
	Command       string `arg:"positional,required" help:"loaded|load|unload|list|slots|inittape"`
	Slot          int    `arg:"positional" help:"slot number"`
	ArchiveDevice string `arg:"positional" help:"local path standing in for the drive"`

	ConfigFile string `arg:"-c,--config" help:"JSON configuration file"`
	LogFile    string `arg:"--log" help:"log file, overrides config"`
	StateFile  string `arg:"--state" help:"state file, overrides config"`
	LockFile   string `arg:"--lock" help:"lock file, overrides config"`
	Verbose    bool   `arg:"-v,--verbose" help:"debug logging"`
}

func (args) Description() string {
	return "Emulates a tape library autochanger on top of remote file storage.\n" +
		"Slots map to directories under CHANGER-DEVICE; the drive maps to ARCHIVE-DEVICE."
}

func main() {
	var a args
	a.ConfigFile = DEFAULT_CONFIG_FILE
	p := arg.MustParse(&a)

	cfg, err := loadConfig(a.ConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if a.LogFile != "" {
		cfg.LogFile = a.LogFile
	}
	if a.StateFile != "" {
		cfg.StateFile = a.StateFile
	}
	if a.LockFile != "" {
		cfg.LockFile = a.LockFile
	}

	logger, logClose, err := utils.NewLogger(cfg.LogFile, a.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unable to open log file:", err)
		os.Exit(1)
	}
	defer logClose.Close()

	if err := run(a, cfg, logger, p); err != nil {
		logger.Error("command failed", "command", a.Command, "slot", a.Slot, "error", err)
		os.Exit(1)
	}
}

func run(a args, cfg Config, logger *slog.Logger, p *arg.Parser) error {
	ctx := context.Background()
	command := strings.ToLower(a.Command)

	// full mutual exclusion between invocations, whatever the verb
	processLock := utils.NewFileLock(cfg.LockFile)
	if err := processLock.Lock(); err != nil {
		return err
	}
	defer processLock.Unlock()

	store := changer.NewStateStore(cfg.StateFile, logger)
	state, err := store.Load()
	if err != nil {
		return err
	}
	if cfg.Slots > 0 {
		state.Slots = cfg.Slots
	}
	before := state.LoadedSlot

	var client remote.Client
	if needsRemote(command) {
		if client, err = buildClient(ctx, cfg, logger); err != nil {
			return err
		}
	}

	ctl := changer.NewController(&state, client, logger, os.Stdout)
	logger.Info("dispatching", "command", command, "slot", a.Slot,
		"archive", a.ArchiveDevice, "changer", a.ChangerDevice)

	var verbErr error
	switch command {
	case "loaded":
		verbErr = ctl.Loaded()
	case "slots":
		verbErr = ctl.Slots()
	case "list":
		verbErr = ctl.List()
	case "load":
		if err := requireSlotArgs(a); err != nil {
			return err
		}
		verbErr = ctl.Load(ctx, a.Slot, a.ArchiveDevice, a.ChangerDevice)
	case "unload":
		if err := requireSlotArgs(a); err != nil {
			return err
		}
		verbErr = ctl.Unload(ctx, a.Slot, a.ArchiveDevice, a.ChangerDevice)
	case "inittape":
		if err := requireSlotArgs(a); err != nil {
			return err
		}
		verbErr = ctl.InitTape(a.Slot, a.ArchiveDevice)
	default:
		p.Fail(fmt.Sprintf("unknown command %q", a.Command))
	}

	recordTransition(cfg, logger, command, a.Slot, before, state.LoadedSlot, verbErr)
	if verbErr != nil {
		return verbErr
	}

	// state is rewritten once, only after the verb fully succeeded
	return store.Save(state)
}

func needsRemote(command string) bool {
	return command == "load" || command == "unload"
}

func buildClient(ctx context.Context, cfg Config, logger *slog.Logger) (remote.Client, error) {
	switch cfg.Backend {
	case BACKEND_S3:
		return remote.NewS3(ctx, cfg.Region, cfg.transferRetry(), cfg.existsRetry(), logger)
	default:
		return remote.NewRclone(cfg.RcloneBinary, cfg.transferRetry(), cfg.existsRetry(), logger), nil
	}
}

func requireSlotArgs(a args) error {
	if a.Slot < 1 {
		return fmt.Errorf("command %s needs a slot number >= 1", a.Command)
	}
	if a.ArchiveDevice == "" {
		return fmt.Errorf("command %s needs an archive device path", a.Command)
	}
	return nil
}

// recordTransition writes the journal row when a journal is configured; a
// broken journal is logged and otherwise ignored.
func recordTransition(cfg Config, logger *slog.Logger, verb string, slot, from, to int, verbErr error) {
	if cfg.JournalFile == "" {
		return
	}
	outcome := journal.OutcomeOK
	if verbErr != nil {
		outcome = verbErr.Error()
	}
	j, err := journal.Open(cfg.JournalFile, logger)
	if err != nil {
		logger.Warn("journal unavailable", "path", cfg.JournalFile, "error", err)
		return
	}
	defer j.Close()
	if err := j.Record(verb, slot, from, to, outcome); err != nil {
		logger.Warn("journal write failed", "path", cfg.JournalFile, "error", err)
	}
}
