package recipe

import "github.com/kilnhq/kiln/internal/errkind"

var (
	ErrNotFound   = errkind.New(errkind.NotFound, "recipe not found")
	ErrParse      = errkind.New(errkind.Parse, "malformed recipe")
	ErrValidation = errkind.New(errkind.Validation, "recipe validation failed")
	ErrWrite      = errkind.New(errkind.IO, "recipe write failed")
	ErrExists     = errkind.New(errkind.Usage, "recipe already exists")
	ErrNoBackup   = errkind.New(errkind.NotFound, "no backup to restore")
)
