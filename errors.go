package reactor

import (
	"errors"

	"github.com/tinyrange/reactor/internal/execmem"
	"github.com/tinyrange/reactor/internal/extern"
	"github.com/tinyrange/reactor/internal/jit"
)

// Errors returned by the package. Compile failures wrap ErrVerifyFailed or
// ErrLinkFailed; use errors.As with *VerifyError or *LinkError for details.
var (
	ErrVerifyFailed      = jit.ErrVerifyFailed
	ErrSignatureMismatch = jit.ErrSignatureMismatch
	ErrLinkFailed        = jit.ErrLinkFailed
	ErrModuleClosed      = jit.ErrModuleClosed
	ErrUnsupportedTarget = jit.ErrUnsupportedTarget
	ErrUnknownExternal   = extern.ErrUnknownExternal
	ErrAllocFailed       = execmem.ErrAllocFailed
	ErrProtectFailed     = execmem.ErrProtectFailed

	ErrNotInitialized     = errors.New("platform not initialized")
	ErrAlreadyInitialized = errors.New("platform already initialized")
	ErrBuilderSpent       = errors.New("builder already compiled")
)
