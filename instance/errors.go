package instance

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/manifold/instrument"
	"github.com/caffeineduck/manifold/loader"
)

var (
	ErrNotStartable       = errors.New("instance is not startable")
	ErrShutdownDuringBoot = errors.New("instance shut down during boot")
	ErrRegistryNotEmpty   = errors.New("registry has live instances")
	ErrNoBooter           = errors.New("no booter configured")
)

// Phase names the boot step that failed.
type Phase string

const (
	PhaseHome       Phase = "home"
	PhaseLoader     Phase = "loader"
	PhaseInstrument Phase = "instrument"
	PhaseResolve    Phase = "resolve"
	PhaseInit       Phase = "init"
)

// BootError records why an instance failed to boot.
type BootError struct {
	ID    int
	Phase Phase
	Err   error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("instance %d: %s: %v", e.ID, e.Phase, e.Err)
}

func (e *BootError) Unwrap() error {
	return e.Err
}

// phaseOf classifies an error returned by a Booter.
func phaseOf(err error) Phase {
	switch {
	case errors.Is(err, instrument.ErrMalformed),
		errors.Is(err, instrument.ErrTruncated),
		errors.Is(err, instrument.ErrUnsupported),
		errors.Is(err, instrument.ErrSignatureMismatch):
		return PhaseInstrument
	case errors.Is(err, loader.ErrModuleNotFound),
		errors.Is(err, loader.ErrImageTooLarge),
		errors.Is(err, loader.ErrImportCycle):
		return PhaseResolve
	default:
		return PhaseInit
	}
}

func bootError(id int, phase Phase, err error) *BootError {
	var be *BootError
	if errors.As(err, &be) {
		return be
	}
	return &BootError{ID: id, Phase: phase, Err: err}
}
