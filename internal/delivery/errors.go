package delivery

import (
	"errors"
	"fmt"

	"github.com/relaybot-data/relaybot/internal/localize"
	"github.com/relaybot-data/relaybot/internal/motion"
	"github.com/relaybot-data/relaybot/internal/orders"
	"github.com/relaybot-data/relaybot/internal/planner"
	"github.com/relaybot-data/relaybot/internal/serialmux"
)

// FailureKind is the error taxonomy the state machine classifies into.
type FailureKind string

const (
	FailLinkLost          FailureKind = "LinkLost"
	FailLocalization      FailureKind = "LocalizationFailure"
	FailPathNotFound      FailureKind = "PathNotFound"
	FailGoalUnreachable   FailureKind = "GoalUnreachable"
	FailObstacleCollision FailureKind = "ObstacleCollision"
	FailStateTimeout      FailureKind = "StateTimeout"
	FailOrderInvalid      FailureKind = "OrderInvalid"
	FailServo             FailureKind = "ServoFault"
	FailUnknown           FailureKind = "Unknown"
)

// errStateTimeout tags per-state deadline violations for classification.
var errStateTimeout = errors.New("state timeout")

// Classify maps an error from any subsystem to its failure kind and whether
// it is fatal. Nothing below the state machine decides final policy; this is
// the single classification point.
func Classify(err error) (kind FailureKind, fatal bool) {
	switch {
	case errors.Is(err, serialmux.ErrLinkLost):
		return FailLinkLost, true
	case errors.Is(err, localize.ErrDiverged):
		return FailLocalization, true
	case errors.Is(err, planner.ErrPathNotFound):
		return FailPathNotFound, false
	case errors.Is(err, motion.ErrGoalUnreachable):
		return FailGoalUnreachable, false
	case errors.Is(err, motion.ErrObstacleCollision):
		return FailObstacleCollision, false
	case errors.Is(err, errStateTimeout):
		return FailStateTimeout, false
	case errors.Is(err, orders.ErrOrderInvalid), errors.Is(err, orders.ErrBadPayload):
		return FailOrderInvalid, false
	case errors.Is(err, ErrServo):
		return FailServo, false
	}
	return FailUnknown, false
}

func timeoutError(state State) error {
	return fmt.Errorf("%w in %s", errStateTimeout, state)
}
