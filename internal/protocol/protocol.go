// Package protocol 实现了网关文本协议的报文类型定义与解析
//
// 所有报文均为 UTF-8 文本：首行为报文类型标签，其余行为 `key:value` 字段。
// 保留字面量（PINGREQ/PINGRESP/DISCONNECT）在进入本包之前由连接层逐字节比对，
// 不会流入这里的解析器。
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// 报文类型标签定义
const (
	// 对象 -> 网关
	ObjInfoMsg   = "OBJ_INFO"
	ObjStructMsg = "OBJ_STRUCT"
	ObjPermsMsg  = "OBJ_PERMS"
	ObjStateMsg  = "OBJ_STATE"

	// 服务 -> 网关（转发至对象）
	ObjSetNameMsg  = "OBJ_SETNAME"
	ObjSetOwnerMsg = "OBJ_SETOWNER"
	ObjAddPermMsg  = "OBJ_ADDPERM"
	ObjUpdPermMsg  = "OBJ_UPDPERM"
	ObjRemPermMsg  = "OBJ_REMPERM"
	ObjActionMsg   = "OBJ_ACTION"

	// 服务 -> 网关（由网关直接应答）
	HistoryEventsReqMsg    = "H_EVENTS_REQ"
	HistoryCompStateReqMsg = "H_COMPSTATE_REQ"

	// 网关 -> 服务
	SrvPermMsg             = "SRV_PERM"
	HistoryEventsResMsg    = "H_EVENTS_RES"
	HistoryCompStateResMsg = "H_COMPSTATE_RES"
)

// ParsingError 表示谓词匹配后字段解析失败
type ParsingError struct {
	MsgType string
	Field   string
	Reason  string
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("fail to parse %s message, field '%s': %s", e.MsgType, e.Field, e.Reason)
}

func newParsingError(msgType, field, reason string) *ParsingError {
	return &ParsingError{MsgType: msgType, Field: field, Reason: reason}
}

func isMsg(data []byte, tag string) bool {
	s := string(data)
	return s == tag || strings.HasPrefix(s, tag+"\n")
}

// getField 返回首个 `key:value` 行的 value，value 中允许出现 ':'
func getField(data []byte, tag, key string) (string, error) {
	lines := strings.Split(string(data), "\n")
	for _, line := range lines[1:] {
		if value, found := strings.CutPrefix(line, key+":"); found {
			return value, nil
		}
	}
	return "", newParsingError(tag, key, "field not found")
}

func getBoolField(data []byte, tag, key string) (bool, error) {
	value, err := getField(data, tag, key)
	if err != nil {
		return false, err
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, newParsingError(tag, key, "not a boolean: "+value)
	}
	return result, nil
}

func getIntField(data []byte, tag, key string) (int, error) {
	value, err := getField(data, tag, key)
	if err != nil {
		return 0, err
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, newParsingError(tag, key, "not an integer: "+value)
	}
	return result, nil
}

// GetMsgObjID 返回任意携带 objId 字段报文的对象 ID
func GetMsgObjID(data []byte) (string, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return "", newParsingError("", "objId", "empty message")
	}
	return getField(data, lines[0], "objId")
}

// GetMsgSrvID 返回服务报文携带的完整服务 ID（srvId/usrId/instId）
func GetMsgSrvID(data []byte) (string, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return "", newParsingError("", "srvId", "empty message")
	}
	return getField(data, lines[0], "srvId")
}
