// handlers/errors.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	apperrors "wallet-custody-service/pkg/errors"
)

// statusFor maps the error taxonomy onto HTTP statuses. Credential failures
// stay deliberately vague (no wrong-password vs corrupted-blob split);
// custodian/network failures get distinct statuses so clients know whether
// to retry or to re-enter a password.
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeMalformedCredential,
		apperrors.CodeLegacyFormatDetected,
		apperrors.CodeInvalidSigningRequest:
		return fiber.StatusBadRequest
	case apperrors.CodeDecryptionFailed,
		apperrors.CodeSessionExpired:
		return fiber.StatusUnauthorized
	case apperrors.CodeNoAccountFound:
		return fiber.StatusNotFound
	case apperrors.CodeRecoveryExpired:
		return fiber.StatusGone
	case apperrors.CodeCustodianRejected:
		return fiber.StatusForbidden
	case apperrors.CodeSigningUnavailable,
		apperrors.CodeKmsUnavailable:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// fail renders an AppError in the uniform JSON shape.
func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error": err.Error(),
		"code":  apperrors.CodeOf(err),
	})
}
