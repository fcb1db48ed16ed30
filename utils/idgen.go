package utils

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	nodeMu sync.Mutex
	node   *snowflake.Node
)

// InitIdNode pins the snowflake node to the worker so document numbers from
// different replicas never collide.
func InitIdNode(workerId string) error {
	nodeMu.Lock()
	defer nodeMu.Unlock()
	h := fnv.New32a()
	_, _ = h.Write([]byte(workerId))
	n, err := snowflake.NewNode(int64(h.Sum32() % 1024))
	if err != nil {
		return err
	}
	node = n
	return nil
}

// NewDocumentNo returns e.g. "SI-1541815603606036480".
func NewDocumentNo(prefix string) string {
	nodeMu.Lock()
	if node == nil {
		node, _ = snowflake.NewNode(0)
	}
	n := node
	nodeMu.Unlock()
	return fmt.Sprintf("%s-%s", prefix, n.Generate().String())
}
