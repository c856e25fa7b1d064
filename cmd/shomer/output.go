package main

import (
	"encoding/json"
	"fmt"

	coreerrors "github.com/davidahmann/shomer/core/errors"
)

type errorOutput struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	ErrorCode     string `json:"error_code"`
	ErrorCategory string `json:"error_category"`
	Hint          string `json:"hint,omitempty"`
	Retryable     bool   `json:"retryable"`
}

func (c *cli) writeJSON(output any) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		return coreerrors.Wrap(fmt.Errorf("encode output: %w", err), coreerrors.CategoryInternal, "encode_failed", "", false)
	}
	_, err = fmt.Fprintln(c.stdout, string(encoded))
	return err
}

// writeError prints the error envelope and returns the exit code for err.
func (c *cli) writeError(err error, fallbackExit int) int {
	exitCode := exitCodeForError(err, fallbackExit)
	output := errorOutput{
		OK:            false,
		Error:         err.Error(),
		ErrorCode:     coreerrors.CodeOf(err),
		ErrorCategory: string(coreerrors.CategoryOf(err)),
		Hint:          coreerrors.HintOf(err),
		Retryable:     coreerrors.RetryableOf(err),
	}
	if output.ErrorCode == "" {
		output.ErrorCode = defaultErrorCode(exitCode)
	}
	if output.ErrorCategory == "" {
		output.ErrorCategory = string(defaultErrorCategory(exitCode))
	}
	if output.Hint == "" {
		output.Hint = defaultHint(exitCode)
	}
	if writeErr := c.writeJSON(output); writeErr != nil {
		_, _ = fmt.Fprintln(c.stdout, `{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
	}
	return exitCode
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput, coreerrors.CategoryNotFound, coreerrors.CategoryInvalidKeyType:
		return exitInvalidInput
	case coreerrors.CategoryVerification:
		return exitVerifyFailed
	case coreerrors.CategoryConfiguration:
		return exitConfiguration
	case coreerrors.CategoryIOFailure, coreerrors.CategoryTransport, coreerrors.CategoryIngestFailure, coreerrors.CategoryInternal:
		return exitInternalFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitVerifyFailed:
		return coreerrors.CategoryVerification
	case exitConfiguration:
		return coreerrors.CategoryConfiguration
	default:
		return coreerrors.CategoryInternal
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "invalid_input"
	case exitVerifyFailed:
		return "verification_failed"
	case exitConfiguration:
		return "configuration"
	default:
		return "internal_failure"
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage and arguments"
	case exitVerifyFailed:
		return "re-run verify after checking artifact integrity"
	case exitConfiguration:
		return "check the config file and SHOMER_* environment"
	default:
		return "retry after checking local environment and logs"
	}
}
