package protocol

import "fmt"

// MessageType 信封类型判别字段
type MessageType uint

const (
	TypeHandshake    MessageType = 0 // 认证 / 会话握手
	TypeInitialize   MessageType = 1 // 提交 PE + map，回复 status
	TypeMapperData   MessageType = 2 // 请求 mapper 元数据，失败时回复 status
	TypeMutationData MessageType = 3 // 客户端提交 LaunchInfo；服务端回复 mapper 元数据
	TypeFinalize     MessageType = 4 // 服务端返回最终二进制
	TypeCallback     MessageType = 5 // 服务端发起的回调
)

func (t MessageType) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeInitialize:
		return "initialize"
	case TypeMapperData:
		return "mapper_data"
	case TypeMutationData:
		return "mutation_data"
	case TypeFinalize:
		return "finalize"
	case TypeCallback:
		return "callback"
	default:
		return fmt.Sprintf("type(%d)", uint(t))
	}
}

// CallbackKind identifies a server-initiated callback.
type CallbackKind int

const (
	CallbackExportInit CallbackKind = iota
	CallbackExportMmap
	CallbackMmapStart
	CallbackMmapEnd
)

// IsExport reports whether the kind carries an export symbol and expects a reply.
func (k CallbackKind) IsExport() bool {
	return k == CallbackExportInit || k == CallbackExportMmap
}

func (k CallbackKind) String() string {
	switch k {
	case CallbackExportInit:
		return "EXPORT_INIT"
	case CallbackExportMmap:
		return "EXPORT_MMAP"
	case CallbackMmapStart:
		return "MMAP_START"
	case CallbackMmapEnd:
		return "MMAP_END"
	default:
		return fmt.Sprintf("CALLBACK(%d)", int(k))
	}
}

// ParseCallbackKind accepts both the wire names and their lower-case forms.
func ParseCallbackKind(name string) (CallbackKind, error) {
	switch name {
	case "EXPORT_INIT", "export_init":
		return CallbackExportInit, nil
	case "EXPORT_MMAP", "export_mmap":
		return CallbackExportMmap, nil
	case "MMAP_START", "mmap_start":
		return CallbackMmapStart, nil
	case "MMAP_END", "mmap_end":
		return CallbackMmapEnd, nil
	default:
		return 0, fmt.Errorf("unknown callback kind %q", name)
	}
}
