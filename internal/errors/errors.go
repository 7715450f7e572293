// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors provides structured error handling for the CKS CLI and
// server components.
//
// This package defines UserError, a type that carries structured error
// information including what went wrong, why it happened, and how to fix
// it, plus an error Kind classifying the failure for retry decisions.
// It also defines consistent exit codes for different error categories.
//
// # Usage Example
//
// Creating and displaying errors:
//
//	err := errors.NewConflictError(
//	    "Ingestion already in progress",
//	    "Repository 'api-server' is being indexed by another operation",
//	    "Wait for the running operation to finish, or check: cks status",
//	)
//	if err != nil {
//	    errors.FatalError(err, false)
//	}
//
// # Exit Codes
//
// The package defines semantic exit codes following Unix conventions:
//   - ExitSuccess (0): Successful execution
//   - ExitConfig (1): Configuration errors (missing/invalid config)
//   - ExitStore (2): Vector or graph store errors (unreachable, corrupted)
//   - ExitNetwork (3): Network/API errors (connection failed, timeout)
//   - ExitInput (4): Invalid user input (bad arguments, validation errors)
//   - ExitConflict (5): Conflicting operation (ingest in progress, repo exists)
//   - ExitNotFound (6): Resource not found (repository, entity, file)
//   - ExitInternal (10): Internal errors (bugs, panics)
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Exit codes for different error categories.
const (
	// ExitSuccess indicates successful execution.
	ExitSuccess = 0

	// ExitConfig indicates configuration errors (missing/invalid config files).
	ExitConfig = 1

	// ExitStore indicates vector store or graph store errors.
	ExitStore = 2

	// ExitNetwork indicates network or API errors (connection failed, timeout).
	ExitNetwork = 3

	// ExitInput indicates invalid user input (bad arguments, validation errors).
	ExitInput = 4

	// ExitConflict indicates a conflicting operation was refused.
	ExitConflict = 5

	// ExitNotFound indicates resource not found errors (repository, entity, file).
	ExitNotFound = 6

	// ExitInternal indicates internal errors (bugs, unexpected panics).
	// Exit code 10 signals "this is a bug that should be reported".
	ExitInternal = 10
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota

	// KindValidation covers malformed input, out-of-range numerics, and
	// unsupported providers or languages. Fatal.
	KindValidation

	// KindNotFound covers missing repositories, entities, and file paths.
	KindNotFound

	// KindConflict covers "ingestion already in progress" and "repository
	// already exists without force". Fatal for the attempt.
	KindConflict

	// KindTransient covers DNS failures, connection resets, timeouts, and
	// HTTP 408/429/5xx. Retryable with backoff.
	KindTransient

	// KindAuth covers HTTP 401/403. Fatal; messages must be redacted.
	KindAuth

	// KindParse covers syntax errors, too-large files, and parse timeouts.
	// Non-fatal at file scope.
	KindParse

	// KindIntegrity covers cross-store divergence for a single file.
	// Non-fatal per file; the overall job degrades to partial.
	KindIntegrity

	// KindWatcher covers watcher initialization failures and event storms.
	KindWatcher
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindParse:
		return "parse"
	case KindIntegrity:
		return "integrity"
	case KindWatcher:
		return "watcher"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind should be retried with
// backoff. Only transient errors qualify.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// UserError represents an error with structured context for end users.
//
// It provides three levels of information:
//   - Message: What went wrong (user-facing error description)
//   - Cause: Why it happened (diagnostic information)
//   - Fix: How to fix it (actionable suggestion)
//
// UserError also carries a Kind for retry classification, an exit code for
// consistent CLI behavior, and optionally wraps an underlying error.
type UserError struct {
	// Message describes what went wrong in user-friendly language.
	Message string

	// Cause explains why the error occurred (diagnostic information).
	Cause string

	// Fix provides an actionable suggestion on how to resolve the error.
	Fix string

	// Kind classifies the error for retry and propagation decisions.
	Kind Kind

	// ExitCode is the exit code that should be used when exiting due to this error.
	ExitCode int

	// Err is the underlying error that caused this error (optional).
	// This enables error wrapping and compatibility with errors.Is/As.
	Err error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap implements error unwrapping for compatibility with errors.Is and errors.As.
func (e *UserError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error should be retried with backoff.
func (e *UserError) Retryable() bool {
	return e.Kind.Retryable()
}

// Sentinel errors for conflicts the services name explicitly. Services
// wrap these with WrapConflict so callers can test with errors.Is.
var (
	// ErrIngestionInProgress is returned when a second index or update is
	// attempted while the repository lock is held.
	ErrIngestionInProgress = errors.New("ingestion already in progress")

	// ErrRepositoryExists is returned when indexing a repository that is
	// already cataloged and force was not given.
	ErrRepositoryExists = errors.New("repository already exists")

	// ErrRepositoryNotFound is returned when an operation names a
	// repository that is not in the catalog.
	ErrRepositoryNotFound = errors.New("repository not found")
)

// NewConfigError creates a configuration error with exit code ExitConfig.
func NewConfigError(msg, cause, fix string, err error) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		Kind:     KindValidation,
		ExitCode: ExitConfig,
		Err:      err,
	}
}

// NewStoreError creates a store error with exit code ExitStore.
//
// Use this for vector store or graph store failures. Store errors are
// treated as transient: callers retry them until the budget is exhausted.
func NewStoreError(msg, cause, fix string, err error) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		Kind:     KindTransient,
		ExitCode: ExitStore,
		Err:      err,
	}
}

// NewNetworkError creates a network error with exit code ExitNetwork.
func NewNetworkError(msg, cause, fix string, err error) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		Kind:     KindTransient,
		ExitCode: ExitNetwork,
		Err:      err,
	}
}

// NewInputError creates an input validation error with exit code ExitInput.
//
// Input errors typically do not wrap an underlying error.
func NewInputError(msg, cause, fix string) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		Kind:     KindValidation,
		ExitCode: ExitInput,
	}
}

// NewConflictError creates a conflict error with exit code ExitConflict.
//
// Use this when an operation is refused because another operation owns the
// repository, or the repository already exists and force was not given.
func NewConflictError(msg, cause, fix string) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		Kind:     KindConflict,
		ExitCode: ExitConflict,
	}
}

// WrapConflict creates a conflict error wrapping one of the conflict
// sentinels so callers can branch with errors.Is.
func WrapConflict(sentinel error, msg, cause, fix string) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		Kind:     KindConflict,
		ExitCode: ExitConflict,
		Err:      sentinel,
	}
}

// NewNotFoundError creates a resource not found error with exit code ExitNotFound.
func NewNotFoundError(msg, cause, fix string) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		Kind:     KindNotFound,
		ExitCode: ExitNotFound,
	}
}

// NewAuthError creates an authentication error with exit code ExitNetwork.
//
// The message and cause must already be redacted by the caller; this
// constructor does not inspect them.
func NewAuthError(msg, cause, fix string, err error) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		Kind:     KindAuth,
		ExitCode: ExitNetwork,
		Err:      err,
	}
}

// NewInternalError creates an internal error with exit code ExitInternal.
func NewInternalError(msg, cause, fix string, err error) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		Kind:     KindUnknown,
		ExitCode: ExitInternal,
		Err:      err,
	}
}

// Color definitions for error formatting.
var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format returns a formatted error message for terminal display.
//
// The output includes colored sections for Error (red/bold), Cause
// (yellow), and Fix (green). Color output respects the NO_COLOR
// environment variable and can be explicitly disabled with the noColor
// parameter. Empty Cause or Fix fields are omitted.
func (e *UserError) Format(noColor bool) string {
	// Save and restore global color state to avoid side effects
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()

	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")

	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}

	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}

	return out.String()
}

// ErrorJSON represents error information in JSON format.
type ErrorJSON struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// ToJSON converts the UserError to a JSON-serializable structure.
func (e *UserError) ToJSON() ErrorJSON {
	return ErrorJSON{
		Error:    e.Message,
		Kind:     e.Kind.String(),
		Cause:    e.Cause,
		Fix:      e.Fix,
		ExitCode: e.ExitCode,
	}
}

// FatalError prints the error and exits with the appropriate code.
//
// If the error is a UserError, it uses Format() for colored output or
// ToJSON() for JSON mode. For non-UserError types, it prints a simple
// error message and exits with ExitInternal.
//
// This function never returns - it always calls os.Exit().
func FatalError(err error, jsonOutput bool) {
	if err == nil {
		return
	}

	var ue *UserError
	if errors.As(err, &ue) {
		if jsonOutput {
			enc := json.NewEncoder(os.Stderr)
			enc.SetIndent("", "  ")
			// Encode error is intentionally ignored since we're about to exit.
			_ = enc.Encode(ue.ToJSON())
		} else {
			fmt.Fprint(os.Stderr, ue.Format(false))
		}
		os.Exit(ue.ExitCode)
	}

	// Fallback for non-UserError
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(ExitInternal)
}
