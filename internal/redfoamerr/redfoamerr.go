// Package redfoamerr defines the semantic error categories used across the
// broker: protocol violations, I/O failures, infrastructure failures,
// referential errors, and state errors. Callers use errors.Is against the
// sentinels here rather than matching on string content.
package redfoamerr

import "errors"

// Protocol errors: a client sent something the wire state machine rejects.
var (
	ErrBadAuth             = errors.New("redfoam: bad auth")
	ErrInvalidSequence     = errors.New("redfoam: invalid sequence")
	ErrNoConsumerStart     = errors.New("redfoam: data arrived before follow")
	ErrFailedToReadOffsets = errors.New("redfoam: malformed follow reply offsets")
)

// I/O errors: reading or writing a socket or file failed.
var (
	ErrClientTCPRead  = errors.New("redfoam: client tcp read failed")
	ErrClientTCPWrite = errors.New("redfoam: client tcp write failed")
	ErrServerTCPRead  = errors.New("redfoam: server tcp read failed")
	ErrServerTCPWrite = errors.New("redfoam: server tcp write failed")
	ErrCantReadFile   = errors.New("redfoam: cannot read file")
	ErrCantWriteFile  = errors.New("redfoam: cannot write file")
	ErrCantReadDir    = errors.New("redfoam: cannot read directory")
	ErrCantOpenFile   = errors.New("redfoam: cannot open file")
	ErrCantSendFile   = errors.New("redfoam: cannot send file")
)

// Infrastructure errors: the filesystem watcher itself failed.
var (
	ErrWatcher          = errors.New("redfoam: filesystem watcher error")
	ErrInvalidEventMask = errors.New("redfoam: invalid event mask")
)

// Referential errors: a name or offset didn't resolve to anything valid.
var (
	ErrTopicNotFound      = errors.New("redfoam: topic not found")
	ErrTopicAlreadyExists = errors.New("redfoam: topic already registered")
	ErrBadFileName        = errors.New("redfoam: bad file name")
	ErrBadOffset          = errors.New("redfoam: bad generation suffix")
)

// State errors: an operation was attempted against state that forbids it.
var (
	ErrIsClosed = errors.New("redfoam: session is closed")
	ErrNotReady = errors.New("redfoam: not ready")
	ErrIsNone   = errors.New("redfoam: value is none")
)
