package models

import "errors"

var (
	ErrFolderNotFound  = errors.New("folder not found")
	ErrDuplicateFolder = errors.New("folder already exists")

	ErrFileNotFound  = errors.New("file not found")
	ErrDuplicateFile = errors.New("file version already exists")

	ErrSegmentNotFound = errors.New("segment not found")

	ErrShareNotFound  = errors.New("share not found")
	ErrDuplicateShare = errors.New("share already exists")

	ErrCommitmentNotFound  = errors.New("commitment not found")
	ErrDuplicateCommitment = errors.New("commitment already exists")

	ErrArticleNotFound = errors.New("article not found")

	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates an attempt to move a job or segment out
	// of a terminal state.
	ErrInvalidTransition = errors.New("invalid state transition")
)
