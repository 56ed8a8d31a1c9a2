package services

import "errors"

var (
	ErrInvalidPort       = errors.New("invalid port")
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrNoWorkers         = errors.New("no workers connected")
	ErrPortInUse         = errors.New("port already in use")
	ErrAlreadyListening  = errors.New("already listening")
	ErrNotListening      = errors.New("not listening")
	ErrUnattributed      = errors.New("result cannot be attributed to a job")
	ErrJobActive         = errors.New("job is still processing")
)
