// Package changer implements the autochanger state machine behind the
// mtx-changer style verbs. The drive holds at most one slot; each slot is
// backed by an object under the changer path in remote storage, and the
// archive device path stands in for whatever is currently in the drive.
package changer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/afrimberger/rclone-changer/remote"
	"github.com/afrimberger/rclone-changer/volume"
)

// Controller executes changer verbs against the in-memory state. The caller
// owns persistence: state is only written back after a verb returns nil, so
// any failure leaves the on-disk state exactly as it was at process start.
type Controller struct {
	state  *State
	remote remote.Client
	logger *slog.Logger
	out    io.Writer
}

func NewController(state *State, client remote.Client, logger *slog.Logger, out io.Writer) *Controller {
	return &Controller{state: state, remote: client, logger: logger, out: out}
}

// Loaded prints the slot currently in the drive, 0 when empty.
func (c *Controller) Loaded() error {
	_, err := fmt.Fprintln(c.out, c.state.LoadedSlot)
	return err
}

// Slots prints the library size.
func (c *Controller) Slots() error {
	_, err := fmt.Fprintln(c.out, c.state.Slots)
	return err
}

// List emits one "slot:volume" line per slot, the listing format the backup
// application's changer scripts expect.
func (c *Controller) List() error {
	for i := 1; i <= c.state.Slots; i++ {
		if _, err := fmt.Fprintf(c.out, "%d:%s\n", i, CanonicalLabel(i)); err != nil {
			return err
		}
	}
	return nil
}

// Load puts a slot's volume into the drive. A drive holding another slot is
// ejected first, like a physical changer that cannot load over an occupied
// drive. A slot whose backing object does not exist yet is a fresh volume:
// the archive device is recreated empty and no label check is done.
func (c *Controller) Load(ctx context.Context, slot int, archivePath, changerPath string) error {
	if other := c.state.LoadedSlot; other != 0 && other != slot {
		c.logger.Info("drive occupied, ejecting before load",
			"loaded", other, "slot", slot)
		if err := c.Unload(ctx, other, archivePath, changerPath); err != nil {
			return err
		}
	}
	if c.state.LoadedSlot == slot {
		c.logger.Info("slot already loaded, nothing to do", "slot", slot)
		return nil
	}

	source := slotPath(changerPath, slot) + "/" + filepath.Base(archivePath)
	exists, err := c.remote.Exists(ctx, source)
	if err != nil {
		return &TransferError{Src: source, Dst: archivePath, Err: err}
	}

	if exists {
		dstDir := filepath.Dir(archivePath)
		c.logger.Info("fetching volume", "slot", slot, "source", source, "dir", dstDir)
		if err := c.remote.Copy(ctx, source, dstDir); err != nil {
			return &TransferError{Src: source, Dst: dstDir, Err: err}
		}
		if err := c.checkLabel(slot, archivePath); err != nil {
			return err
		}
	} else {
		// fresh volume, there is no label to check yet
		c.logger.Info("no volume in remote slot, starting a fresh one",
			"slot", slot, "source", source)
		if err := recreateEmpty(archivePath); err != nil {
			return err
		}
	}

	c.state.LoadedSlot = slot
	c.logger.Info("slot loaded", "slot", slot)
	return nil
}

// Unload writes the drive's volume back to its remote slot and empties the
// drive. The slot is only considered vacated once the remote copy returns:
// on transfer failure the state stays Loaded so a re-run picks up where the
// crash left off.
func (c *Controller) Unload(ctx context.Context, slot int, archivePath, changerPath string) error {
	if c.state.LoadedSlot != slot {
		err := &NotLoadedError{Slot: slot, Loaded: c.state.LoadedSlot}
		c.logger.Error("unload refused", "slot", slot, "loaded", c.state.LoadedSlot)
		return err
	}
	if err := c.checkLabel(slot, archivePath); err != nil {
		c.logger.Error("unload aborted", "slot", slot, "archive", archivePath, "error", err)
		return err
	}

	dst := slotPath(changerPath, slot)
	c.logger.Info("storing volume", "slot", slot, "archive", archivePath, "dst", dst)
	if err := c.remote.Copy(ctx, archivePath, dst); err != nil {
		return &TransferError{Src: archivePath, Dst: dst, Err: err}
	}

	c.state.LoadedSlot = 0
	c.logger.Info("slot unloaded", "slot", slot)
	return nil
}

// InitTape writes a fresh, correctly labeled archive for a slot so that the
// first unload passes the label check without the backup application having
// labeled the volume itself.
func (c *Controller) InitTape(slot int, archivePath string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return errors.Wrapf(err, "create archive %s", archivePath)
	}
	defer f.Close()

	now := float64(time.Now().UnixMicro()) / 1e6
	name := CanonicalLabel(slot)
	bh := &volume.BlockHeader{ID: volume.BlockHeaderId, BlockNumber: 0}
	rh := &volume.RecordHeader{FileIndex: volume.PreLabelIndex}
	vl := &volume.VolumeLabel{
		Id:         volume.LabelId,
		VerNum:     volume.LabelVersion,
		LabelBtime: now,
		VolName:    name,
	}
	if err := volume.EncodeHeader(f, bh, rh, vl); err != nil {
		return errors.Wrapf(err, "write label %s", archivePath)
	}
	c.logger.Info("archive labeled", "slot", slot, "archive", archivePath, "volume", name)
	return f.Sync()
}

// checkLabel decodes the local archive's header and compares its volume name
// against the canonical label for the slot.
func (c *Controller) checkLabel(slot int, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, "open archive %s", archivePath)
	}
	defer f.Close()

	_, _, label, err := volume.DecodeHeader(f)
	if err != nil {
		return err
	}
	want := CanonicalLabel(slot)
	c.logger.Debug("decoded volume label",
		"archive", archivePath, "volume", label.VolName,
		"labeled", label.LabelTimestamp(), "written", label.WriteTimestamp())
	if label.VolName != want {
		return &LabelMismatchError{Slot: slot, Want: want, Got: label.VolName}
	}
	return nil
}

// slotPath is where a slot's volume lives remotely: a directory named after
// the slot number under the changer path.
func slotPath(changerPath string, slot int) string {
	return fmt.Sprintf("%s/%d", changerPath, slot)
}

func recreateEmpty(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "remove stale archive %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create archive %s", path)
	}
	return f.Close()
}
