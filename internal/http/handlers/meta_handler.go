package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stakearena/fairness-engine/internal/http/dto"
	"github.com/stakearena/fairness-engine/internal/models"
)

// MetaHandler publishes the closed vocabularies clients submit against.
type MetaHandler struct{}

func NewMetaHandler() *MetaHandler {
	return &MetaHandler{}
}

type MetaValue struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

var proofTypes = []MetaValue{
	{ID: models.ProofTypeRandomness, Label: "Randomness commitment"},
	{ID: models.ProofTypeGameState, Label: "Game state chain link"},
	{ID: models.ProofTypeActionValid, Label: "Action legality"},
	{ID: models.ProofTypeWinCondition, Label: "Win condition"},
}

var eventTypes = []MetaValue{
	{ID: models.EventTypeMatch, Label: "Head-to-head match"},
	{ID: models.EventTypeTournament, Label: "Tournament"},
	{ID: models.EventTypeBet, Label: "Side bet"},
}

var winConditions = []MetaValue{
	{ID: models.WinByElimination, Label: "Elimination"},
	{ID: models.WinByTimeout, Label: "Timeout"},
	{ID: models.WinByForfeit, Label: "Forfeit"},
}

func (h *MetaHandler) GetProofTypes(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: proofTypes})
}

func (h *MetaHandler) GetEventTypes(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: eventTypes})
}

func (h *MetaHandler) GetWinConditions(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: winConditions})
}
