// handlers/history_routes.go
package handlers

import (
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"wallet-custody-service/models"
)

func SetupHistoryRoutes(app *fiber.App, db *gorm.DB) {
	app.Get("/history/:userId", func(c *fiber.Ctx) error {
		userID := c.Params("userId")

		limit := 100
		if l, err := strconv.Atoi(c.Query("limit", "100")); err == nil && l > 0 && l <= 500 {
			limit = l
		}

		var trades []models.Trade
		if err := db.Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(limit).
			Find(&trades).Error; err != nil {
			log.Printf("DB Error fetching trades: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch history"})
		}
		return c.JSON(trades)
	})

	app.Get("/rewards/:userId", func(c *fiber.Ctx) error {
		userID := c.Params("userId")

		query := db.Where("user_id = ?", userID)
		switch c.Query("status") {
		case "unpaid":
			query = query.Where("status = ?", models.RewardStatusUnpaid)
		case "paid":
			query = query.Where("status = ?", models.RewardStatusPaid)
		}

		var rewards []models.Reward
		if err := query.Order("created_at DESC").Find(&rewards).Error; err != nil {
			log.Printf("DB Error fetching rewards: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch rewards"})
		}
		return c.JSON(rewards)
	})
}
