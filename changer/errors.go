package changer

import "fmt"

// LabelMismatchError means the archive occupying a slot carries a volume
// label that disagrees with the slot number. The transition is aborted and
// the persisted state left untouched; an operator has to sort out which
// volume is really in the slot.
type LabelMismatchError struct {
	Slot int
	Want string
	Got  string
}

func (e *LabelMismatchError) Error() string {
	return fmt.Sprintf("slot %d: volume label %q does not match expected %q", e.Slot, e.Got, e.Want)
}

// NotLoadedError means unload was asked for a slot that is not in the drive.
// This is a caller error, never retried.
type NotLoadedError struct {
	Slot   int
	Loaded int
}

func (e *NotLoadedError) Error() string {
	if e.Loaded == 0 {
		return fmt.Sprintf("cannot unload slot %d: drive is empty", e.Slot)
	}
	return fmt.Sprintf("cannot unload slot %d: drive holds slot %d", e.Slot, e.Loaded)
}

// TransferError wraps a remote copy that failed after the backend exhausted
// its retries. The slot stays loaded: it is only vacated once the remote
// write is confirmed.
type TransferError struct {
	Src string
	Dst string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s -> %s: %v", e.Src, e.Dst, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
