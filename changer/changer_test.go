package changer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afrimberger/rclone-changer/volume"
)

// fakeClient stands in for the remote storage backend. Copies can be hooked
// so a "download" materializes a labeled archive on the local side.
type fakeClient struct {
	exists  map[string]bool
	copyErr error
	onCopy  func(src, dst string) error
	calls   []string
}

func (f *fakeClient) Exists(_ context.Context, path string) (bool, error) {
	f.calls = append(f.calls, "exists "+path)
	return f.exists[path], nil
}

func (f *fakeClient) Copy(_ context.Context, src, dst string) error {
	f.calls = append(f.calls, fmt.Sprintf("copy %s %s", src, dst))
	if f.onCopy != nil {
		return f.onCopy(src, dst)
	}
	return f.copyErr
}

func (f *fakeClient) Move(_ context.Context, src, dst string) error {
	f.calls = append(f.calls, fmt.Sprintf("move %s %s", src, dst))
	return f.copyErr
}

// writeLabeled writes an archive whose label carries the given volume name.
func writeLabeled(t *testing.T, path, volName string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	bh := &volume.BlockHeader{ID: volume.BlockHeaderId}
	rh := &volume.RecordHeader{FileIndex: volume.VolLabelIndex}
	vl := &volume.VolumeLabel{
		Id:         volume.LabelId,
		VerNum:     volume.LabelVersion,
		LabelBtime: float64(time.Now().Unix()),
		VolName:    volName,
	}
	require.NoError(t, volume.EncodeHeader(f, bh, rh, vl))
}

type fixture struct {
	ctl     *Controller
	state   *State
	client  *fakeClient
	out     *bytes.Buffer
	archive string
}

func newFixture(t *testing.T, loadedSlot int) *fixture {
	t.Helper()
	state := &State{LoadedSlot: loadedSlot, Slots: 200}
	client := &fakeClient{exists: make(map[string]bool)}
	out := &bytes.Buffer{}
	return &fixture{
		ctl:     NewController(state, client, testLogger(), out),
		state:   state,
		client:  client,
		out:     out,
		archive: filepath.Join(t.TempDir(), "bacula-archive"),
	}
}

const changerPath = "remote:vtl"

func TestLoadFreshVolume(t *testing.T) {
	fx := newFixture(t, 0)

	require.NoError(t, fx.ctl.Load(context.Background(), 5, fx.archive, changerPath))

	assert.Equal(t, 5, fx.state.LoadedSlot)
	info, err := os.Stat(fx.archive)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "fresh volume must start as an empty archive")
	assert.Equal(t, []string{"exists remote:vtl/5/bacula-archive"}, fx.client.calls)
}

func TestLoadFreshVolumeReplacesStaleArchive(t *testing.T) {
	fx := newFixture(t, 0)
	require.NoError(t, os.WriteFile(fx.archive, []byte("stale leftovers"), 0644))

	require.NoError(t, fx.ctl.Load(context.Background(), 5, fx.archive, changerPath))

	info, err := os.Stat(fx.archive)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestLoadAlreadyLoadedIsNoOp(t *testing.T) {
	fx := newFixture(t, 5)

	require.NoError(t, fx.ctl.Load(context.Background(), 5, fx.archive, changerPath))

	assert.Equal(t, 5, fx.state.LoadedSlot)
	assert.Empty(t, fx.client.calls, "a repeated load must not touch the collaborator")
}

func TestLoadExistingVolume(t *testing.T) {
	fx := newFixture(t, 0)
	source := "remote:vtl/7/bacula-archive"
	fx.client.exists[source] = true
	fx.client.onCopy = func(src, dst string) error {
		writeLabeled(t, filepath.Join(dst, "bacula-archive"), "VTAPE-0007")
		return nil
	}

	require.NoError(t, fx.ctl.Load(context.Background(), 7, fx.archive, changerPath))

	assert.Equal(t, 7, fx.state.LoadedSlot)
	assert.Equal(t, []string{
		"exists " + source,
		fmt.Sprintf("copy %s %s", source, filepath.Dir(fx.archive)),
	}, fx.client.calls)
}

func TestLoadLabelMismatch(t *testing.T) {
	fx := newFixture(t, 0)
	source := "remote:vtl/7/bacula-archive"
	fx.client.exists[source] = true
	fx.client.onCopy = func(src, dst string) error {
		writeLabeled(t, filepath.Join(dst, "bacula-archive"), "VTAPE-0009")
		return nil
	}

	err := fx.ctl.Load(context.Background(), 7, fx.archive, changerPath)

	var mismatch *LabelMismatchError
	require.True(t, errors.As(err, &mismatch), "want LabelMismatchError, got %v", err)
	assert.Equal(t, "VTAPE-0007", mismatch.Want)
	assert.Equal(t, "VTAPE-0009", mismatch.Got)
	assert.Equal(t, 0, fx.state.LoadedSlot, "failed load must not change state")
}

func TestLoadEjectsOccupiedDrive(t *testing.T) {
	fx := newFixture(t, 2)
	writeLabeled(t, fx.archive, "VTAPE-0002")

	require.NoError(t, fx.ctl.Load(context.Background(), 3, fx.archive, changerPath))

	assert.Equal(t, 3, fx.state.LoadedSlot)
	assert.Equal(t, []string{
		fmt.Sprintf("copy %s remote:vtl/2", fx.archive),
		"exists remote:vtl/3/bacula-archive",
	}, fx.client.calls)
}

func TestLoadFailedImplicitUnloadKeepsState(t *testing.T) {
	fx := newFixture(t, 2)
	// the archive in the drive claims to be slot 7, the eject must refuse
	writeLabeled(t, fx.archive, "VTAPE-0007")

	err := fx.ctl.Load(context.Background(), 3, fx.archive, changerPath)

	var mismatch *LabelMismatchError
	require.True(t, errors.As(err, &mismatch), "want LabelMismatchError, got %v", err)
	assert.Equal(t, 2, fx.state.LoadedSlot)
	assert.Empty(t, fx.client.calls)
}

func TestUnloadEmptyDrive(t *testing.T) {
	fx := newFixture(t, 0)

	err := fx.ctl.Unload(context.Background(), 4, fx.archive, changerPath)

	var notLoaded *NotLoadedError
	require.True(t, errors.As(err, &notLoaded), "want NotLoadedError, got %v", err)
	assert.Equal(t, 0, fx.state.LoadedSlot)
	assert.Empty(t, fx.client.calls)
}

func TestUnloadWrongSlot(t *testing.T) {
	fx := newFixture(t, 2)

	err := fx.ctl.Unload(context.Background(), 3, fx.archive, changerPath)

	var notLoaded *NotLoadedError
	require.True(t, errors.As(err, &notLoaded))
	assert.Equal(t, 2, notLoaded.Loaded)
	assert.Equal(t, 2, fx.state.LoadedSlot)
}

func TestUnloadLabelMismatch(t *testing.T) {
	fx := newFixture(t, 3)
	writeLabeled(t, fx.archive, "VTAPE-0007")

	err := fx.ctl.Unload(context.Background(), 3, fx.archive, changerPath)

	var mismatch *LabelMismatchError
	require.True(t, errors.As(err, &mismatch), "want LabelMismatchError, got %v", err)
	assert.Equal(t, 3, fx.state.LoadedSlot, "mismatch must leave the slot loaded")
	assert.Empty(t, fx.client.calls)
}

func TestUnloadSuccess(t *testing.T) {
	fx := newFixture(t, 5)
	writeLabeled(t, fx.archive, "VTAPE-0005")

	require.NoError(t, fx.ctl.Unload(context.Background(), 5, fx.archive, changerPath))

	assert.Equal(t, 0, fx.state.LoadedSlot)
	assert.Equal(t, []string{fmt.Sprintf("copy %s remote:vtl/5", fx.archive)}, fx.client.calls)
}

func TestUnloadTransferFailureKeepsSlotLoaded(t *testing.T) {
	fx := newFixture(t, 5)
	writeLabeled(t, fx.archive, "VTAPE-0005")
	fx.client.copyErr = errors.New("backend gone")

	err := fx.ctl.Unload(context.Background(), 5, fx.archive, changerPath)

	var transfer *TransferError
	require.True(t, errors.As(err, &transfer), "want TransferError, got %v", err)
	assert.Equal(t, 5, fx.state.LoadedSlot, "slot is vacated only after the remote write is confirmed")
}

func TestListOutput(t *testing.T) {
	fx := newFixture(t, 0)
	fx.state.Slots = 3

	require.NoError(t, fx.ctl.List())

	assert.Equal(t, "1:VTAPE-0001\n2:VTAPE-0002\n3:VTAPE-0003\n", fx.out.String())
	assert.Empty(t, fx.client.calls)
}

func TestLoadedAndSlotsOutput(t *testing.T) {
	fx := newFixture(t, 12)

	require.NoError(t, fx.ctl.Loaded())
	require.NoError(t, fx.ctl.Slots())

	assert.Equal(t, "12\n200\n", fx.out.String())
	assert.Empty(t, fx.client.calls)
}

func TestInitTapeWritesMatchingLabel(t *testing.T) {
	fx := newFixture(t, 0)

	require.NoError(t, fx.ctl.InitTape(9, fx.archive))

	f, err := os.Open(fx.archive)
	require.NoError(t, err)
	defer f.Close()
	_, rh, vl, err := volume.DecodeHeader(f)
	require.NoError(t, err)
	assert.Equal(t, "VTAPE-0009", vl.VolName)
	assert.Equal(t, volume.LabelId, vl.Id)
	assert.EqualValues(t, volume.LabelVersion, vl.VerNum)
	assert.EqualValues(t, volume.PreLabelIndex, rh.FileIndex)
}

// Full cycle against a real state store: load a fresh slot, persist, reread,
// label the archive, unload, persist again.
func TestLoadUnloadCycleWithStore(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "changer.state")
	archive := filepath.Join(dir, "archive")
	store := NewStateStore(statePath, testLogger())

	state, err := store.Load()
	require.NoError(t, err)
	client := &fakeClient{exists: make(map[string]bool)}
	ctl := NewController(&state, client, testLogger(), &bytes.Buffer{})

	require.NoError(t, ctl.Load(context.Background(), 5, archive, changerPath))
	require.NoError(t, store.Save(state))

	state, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, State{LoadedSlot: 5, Slots: 200}, state)

	writeLabeled(t, archive, "VTAPE-0005")
	ctl = NewController(&state, client, testLogger(), &bytes.Buffer{})
	require.NoError(t, ctl.Unload(context.Background(), 5, archive, changerPath))
	require.NoError(t, store.Save(state))

	state, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, State{LoadedSlot: 0, Slots: 200}, state)
}
