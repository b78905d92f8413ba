// handlers/signing_routes.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"wallet-custody-service/middleware"
	"wallet-custody-service/services"
)

func SetupSigningRoutes(app *fiber.App, mediator *services.MediatorService) {
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/sign", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User ID not found in context"})
		}

		var req struct {
			ClientSignedPayload string  `json:"client_signed_payload"`
			Stamp               string  `json:"stamp"`
			StampedRequestBody  string  `json:"stamped_request_body"`
			UnsignedPayload     string  `json:"unsigned_payload"`
			SessionID           string  `json:"session_id"`
			Amount              float64 `json:"amount"`
			AssetCode           string  `json:"asset_code"`
			AssetIssuer         string  `json:"asset_issuer"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}

		result, err := mediator.Submit(c.Context(), &services.SubmitRequest{
			UserID:              userID,
			ClientSignedPayload: req.ClientSignedPayload,
			Stamp:               req.Stamp,
			StampedBody:         req.StampedRequestBody,
			UnsignedPayload:     req.UnsignedPayload,
			SessionID:           req.SessionID,
			Amount:              req.Amount,
			AssetCode:           req.AssetCode,
			AssetIssuer:         req.AssetIssuer,
		})
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(result)
	})
}
