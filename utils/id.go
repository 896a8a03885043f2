package utils

import (
	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
)

// ListingIdGenerator hands out numeric listing ids. They must stay numeric because the
// escrow contract addresses listings by uint256.
type ListingIdGenerator struct {
	node *snowflake.Node
}

func NewListingIdGenerator(nodeId int64) (*ListingIdGenerator, error) {
	node, err := snowflake.NewNode(nodeId)
	if err != nil {
		return nil, errors.Wrapf(err, "snowflake node %d", nodeId)
	}
	return &ListingIdGenerator{node: node}, nil
}

func (g *ListingIdGenerator) Next() string {
	return g.node.Generate().String()
}
