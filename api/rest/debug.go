package rest

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"flowmesh/dataflow-runtime/pkg/types"
)

// clusterSnapshot is the debug view of this runtime's membership state.
type clusterSnapshot struct {
	Self      types.Endpoint                 `json:"self"`
	Role      types.Role                     `json:"role"`
	Master    types.Endpoint                 `json:"master,omitempty"`
	Endpoints []types.ConnInfo               `json:"endpoints"`
	Tags      map[types.Tag][]types.Endpoint `json:"tags"`
}

// debugCluster returns the membership snapshot, optionally filtered through a
// JSONPath expression given as ?path=.
func (s *Server) debugCluster(c *fiber.Ctx) error {
	tags := make(map[types.Tag][]types.Endpoint)
	for _, info := range s.registry.All() {
		for _, t := range info.Tags {
			tags[t] = append(tags[t], info.Endpoint)
		}
	}

	snap := clusterSnapshot{
		Self:      s.self,
		Role:      s.role,
		Master:    s.registry.Master(),
		Endpoints: s.registry.All(),
		Tags:      tags,
	}

	path := c.Query("path")
	if path == "" {
		return c.JSON(snap)
	}

	expr, err := jp.ParseString(path)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "bad_request",
			Message: "invalid JSONPath expression: " + err.Error(),
		})
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	doc, err := oj.Parse(raw)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"path":   path,
		"result": expr.Get(doc),
	})
}
