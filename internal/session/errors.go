package session

import "errors"

var (
	ErrUnauthenticated  = errors.New("you are not authenticated")
	ErrNotAuthorized    = errors.New("you are not authorized to join this game")
	ErrServerAuthFailed = errors.New("failed to authenticate as dedicated server")
	ErrAlreadyConnected = errors.New("player already connected to the game session")
	ErrUnknownClient    = errors.New("unknown client")
	ErrNotStarted       = errors.New("game session not started")
	ErrResultSubmitted  = errors.New("result already submitted for this round")
	ErrSessionShutdown  = errors.New("game session shut down")
	ErrRoundReset       = errors.New("game session round was reset")
)

// IsAuthorization reports whether err should reject a connection outright.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrServerAuthFailed) ||
		errors.Is(err, ErrAlreadyConnected) ||
		errors.Is(err, ErrSessionShutdown)
}
