package common

import (
	"crypto/rand"
	"encoding/hex"
	"os"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var snowflakeNode *snowflake.Node

func init() {
	var err error
	snowflakeNode, err = snowflake.NewNode(int64(os.Getpid() % 1024))
	if err != nil {
		snowflakeNode, _ = snowflake.NewNode(1)
	}
}

// UUIDint64 returns a new snowflake id.
func UUIDint64() int64 {
	return snowflakeNode.Generate().Int64()
}

// RandomHexKey returns n random bytes hex encoded, used for API keys.
func RandomHexKey(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// fall back to a time-derived value rather than failing key issuance
		return snowflakeNode.Generate().Base58() + snowflakeNode.Generate().Base58()
	}
	return hex.EncodeToString(buf)
}
