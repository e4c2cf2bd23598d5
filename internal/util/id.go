package util

import (
	"github.com/lithammer/shortuuid/v4"
)

// RunIDPrefix 标识一次客户端运行，与服务端 session id 区分
const RunIDPrefix = "run-"

func GenID() string {
	return shortuuid.New()
}

func GenIDWith(prefix string) string {
	return prefix + shortuuid.New()
}

// NewRunID 生成本地运行 id，写入日志字段和运行记录
func NewRunID() string {
	return GenIDWith(RunIDPrefix)
}
