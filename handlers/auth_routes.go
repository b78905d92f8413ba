// handlers/auth_routes.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"wallet-custody-service/services"
)

func SetupAuthRoutes(app *fiber.App, registration *services.RegistrationService, recovery *services.RecoveryService, sessions *services.SessionService) {
	app.Post("/auth/register", func(c *fiber.Ctx) error {
		var req struct {
			TelegramID         int64  `json:"telegram_id"`
			Email              string `json:"email"`
			Attestation        string `json:"attestation"`
			RootPublicKey      string `json:"root_public_key"`
			ReferrerTelegramID *int64 `json:"referrer_telegram_id"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		if req.TelegramID == 0 || req.Email == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "telegram_id and email are required"})
		}

		org, err := registration.Register(c.Context(), req.TelegramID, req.Email, req.Attestation, req.RootPublicKey, req.ReferrerTelegramID)
		if err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"organization_id": org.OrganizationID,
			"wallet_id":       org.WalletID,
			"public_key":      org.PublicKey,
		})
	})

	app.Post("/auth/login", func(c *fiber.Ctx) error {
		var req struct {
			OrganizationID string `json:"organization_id"`
			Challenge      string `json:"challenge"`
			Assertion      string `json:"assertion"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		if req.OrganizationID == "" || req.Challenge == "" || req.Assertion == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "organization_id, challenge and assertion are required"})
		}

		session, err := registration.Login(c.Context(), req.OrganizationID, req.Challenge, req.Assertion)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"session_id":         session.ID,
			"session_public_key": session.PublicKey,
			"expires_at":         session.ExpiresAt,
		})
	})

	app.Delete("/session/:id", func(c *fiber.Ctx) error {
		if err := sessions.Expire(c.Context(), c.Params("id")); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"message": "session revoked"})
	})

	app.Post("/recovery/init", func(c *fiber.Ctx) error {
		var req struct {
			Email           string `json:"email"`
			TargetPublicKey string `json:"target_public_key"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		if req.Email == "" || req.TargetPublicKey == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "email and target_public_key are required"})
		}

		attempt, err := recovery.InitRecovery(c.Context(), req.Email, req.TargetPublicKey)
		if err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"attempt_id":        attempt.ID,
			"organization_id":   attempt.OrganizationID,
			"bundle_expires_at": attempt.BundleExpiresAt,
		})
	})

	app.Post("/recovery/complete", func(c *fiber.Ctx) error {
		var req struct {
			AttemptID        string `json:"attempt_id"`
			EncryptedBundle  string `json:"encrypted_bundle"`
			TargetPrivateKey string `json:"target_private_key"`
			NewPassword      string `json:"new_password"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		if req.AttemptID == "" || req.EncryptedBundle == "" || req.TargetPrivateKey == "" || req.NewPassword == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "attempt_id, encrypted_bundle, target_private_key and new_password are required"})
		}

		credential, err := recovery.CompleteRecovery(c.Context(), req.AttemptID, req.EncryptedBundle, req.TargetPrivateKey, req.NewPassword)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"credential_name":       credential.Name,
			"credential_public_key": credential.PublicKey,
			"scope":                 credential.Scope,
		})
	})
}
