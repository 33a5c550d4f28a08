package changer

import (
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/afrimberger/rclone-changer/utils"
)

// DefaultSlots is the library size used until a state file or config says
// otherwise.
const DefaultSlots = 200

// State is what survives between invocations: which slot is in the drive
// (0 = none) and how many slots the library has. LoadedSlot is 0 or within
// [1, Slots].
type State struct {
	LoadedSlot int `yaml:"loadedSlot"`
	Slots      int `yaml:"slots"`
}

func DefaultState() State {
	return State{LoadedSlot: 0, Slots: DefaultSlots}
}

// StateStore reads and writes the persisted state as a small YAML mapping.
// Every read and write holds an exclusive flock on the state file itself, on
// top of the process-wide lock the caller already holds, so a reader never
// sees a half-written file even if the outer lock were bypassed.
type StateStore struct {
	path   string
	logger *slog.Logger
}

func NewStateStore(path string, logger *slog.Logger) *StateStore {
	return &StateStore{path: path, logger: logger}
}

// Load returns the default state when no file exists yet.
func (s *StateStore) Load() (State, error) {
	st := DefaultState()
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("no state file, starting from defaults", "path", s.path)
		return st, nil
	}

	lock := utils.NewFileLock(s.path)
	if err := lock.Lock(); err != nil {
		return st, err
	}
	defer lock.Unlock()

	data, err := io.ReadAll(lock.File())
	if err != nil {
		return st, errors.Wrapf(err, "read changer state %s", s.path)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, errors.Wrapf(err, "parse changer state %s", s.path)
	}
	if st.Slots <= 0 {
		st.Slots = DefaultSlots
	}
	return st, nil
}

// Save rewrites the state file in place through the locked descriptor.
func (s *StateStore) Save(st State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "marshal changer state")
	}

	lock := utils.NewFileLock(s.path)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	f := lock.File()
	if err := f.Truncate(0); err != nil {
		return errors.Wrapf(err, "truncate changer state %s", s.path)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(err, "rewind changer state %s", s.path)
	}
	if _, err := f.Write(data); err != nil {
		return errors.Wrapf(err, "write changer state %s", s.path)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "sync changer state %s", s.path)
	}
	s.logger.Debug("state saved", "path", s.path, "loadedSlot", st.LoadedSlot, "slots", st.Slots)
	return nil
}
