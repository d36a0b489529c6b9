package services

import (
	"errors"

	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/internal/transcode"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

var (
	// ErrNoSuitablePeer means every peer failed to deliver a retrieval
	ErrNoSuitablePeer = errors.New("no suitable peer")
	// ErrNotFound means the object is still absent after a successful retrieval
	ErrNotFound = errors.New("object not found after retrieval")
	// ErrMissingParameters is returned when a required identifier is empty
	ErrMissingParameters = errors.New("missing required parameters")
	// ErrNoPeers is returned when the registry holds no peer to query
	ErrNoPeers = errors.New("no peers configured")

	ErrValidation   = query.ErrValidation
	ErrInvalidLevel = query.ErrInvalidLevel
	ErrTranscode    = transcode.ErrTranscode
	ErrParse        = dicomfile.ErrParse
)

// ErrInvalidFrame is returned for a frame number outside the object
var ErrInvalidFrame = errors.New("invalid frame number")
