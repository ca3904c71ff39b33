package gateway

import (
	"time"

	"piper/server/internal/model"
)

// MessageType 定义了网关收发的帧类型
type MessageType string

const (
	// 客户端 -> 服务端
	MessageChildEvent MessageType = "child_event" // 儿童交互事件（触发安全闸门）
	MessageBreakTaken MessageType = "break_taken" // 孩子完成了一次休息

	// 服务端 -> 客户端
	MessageUIPackage MessageType = "ui_package" // 本轮界面指令
	MessageBreakAck  MessageType = "break_ack"  // 休息已记录
	MessageError     MessageType = "error"      // 处理失败
)

// ClientMessage 客户端发送给网关的消息（WebSocket文本帧）
type ClientMessage struct {
	Type     MessageType       `json:"type"`
	EventID  string            `json:"event_id,omitempty"` // 幂等去重
	Event    *model.Event      `json:"event,omitempty"`
	Task     model.TaskContext `json:"task,omitempty"`
	ClientTS time.Time         `json:"client_ts,omitempty"`
}

// ServerMessage 网关发送给客户端的消息
type ServerMessage struct {
	Type     MessageType      `json:"type"`
	Seq      int64            `json:"seq,omitempty"`      // 服务端序号
	EventID  string           `json:"event_id,omitempty"` // 对应的客户端事件
	Package  *model.UIPackage `json:"package,omitempty"`
	State    *model.State     `json:"state,omitempty"`
	ServerTS time.Time        `json:"server_ts"`
	Error    string           `json:"error,omitempty"`
}
