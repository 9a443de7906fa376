package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjectInfo 是 OBJ_INFO 报文的解析结果
type ObjectInfo struct {
	ObjID     string
	Name      string
	Owner     string
	Version   string
	Model     string
	Brand     string
	LongDescr string
	Active    bool
}

func IsObjectInfoMsg(data []byte) bool {
	return isMsg(data, ObjInfoMsg)
}

func NewObjectInfoMsg(info ObjectInfo) []byte {
	return []byte(fmt.Sprintf("%s\nobjId:%s\nname:%s\nowner:%s\nversion:%s\nmodel:%s\nbrand:%s\ndescr:%s\nactive:%t",
		ObjInfoMsg, info.ObjID, info.Name, info.Owner, info.Version, info.Model, info.Brand, info.LongDescr, info.Active))
}

func ParseObjectInfoMsg(data []byte) (*ObjectInfo, error) {
	info := &ObjectInfo{}
	var err error
	if info.ObjID, err = getField(data, ObjInfoMsg, "objId"); err != nil {
		return nil, err
	}
	if info.Name, err = getField(data, ObjInfoMsg, "name"); err != nil {
		return nil, err
	}
	if info.Owner, err = getField(data, ObjInfoMsg, "owner"); err != nil {
		return nil, err
	}
	if info.Version, err = getField(data, ObjInfoMsg, "version"); err != nil {
		return nil, err
	}
	if info.Model, err = getField(data, ObjInfoMsg, "model"); err != nil {
		return nil, err
	}
	if info.Brand, err = getField(data, ObjInfoMsg, "brand"); err != nil {
		return nil, err
	}
	if info.LongDescr, err = getField(data, ObjInfoMsg, "descr"); err != nil {
		return nil, err
	}
	if info.Active, err = getBoolField(data, ObjInfoMsg, "active"); err != nil {
		return nil, err
	}
	return info, nil
}

func IsObjectStructMsg(data []byte) bool {
	return isMsg(data, ObjStructMsg)
}

// NewObjectStructMsg 构造结构报文，structure 为单行 JSON 字符串
func NewObjectStructMsg(objID string, structure string) []byte {
	return []byte(fmt.Sprintf("%s\nobjId:%s\nstruct:%s", ObjStructMsg, objID, structure))
}

func ParseObjectStructMsg(data []byte) (objID string, structure string, err error) {
	if objID, err = getField(data, ObjStructMsg, "objId"); err != nil {
		return "", "", err
	}
	if structure, err = getField(data, ObjStructMsg, "struct"); err != nil {
		return "", "", err
	}
	return objID, structure, nil
}

// StateUpdate 是 OBJ_STATE 报文的解析结果。组件路径以 '>' 分层。
type StateUpdate struct {
	ObjID    string
	CompPath string
	State    string
}

func IsObjectStateMsg(data []byte) bool {
	return isMsg(data, ObjStateMsg)
}

func NewObjectStateMsg(upd StateUpdate) []byte {
	return []byte(fmt.Sprintf("%s\nobjId:%s\ncompPath:%s\nstate:%s", ObjStateMsg, upd.ObjID, upd.CompPath, upd.State))
}

func ParseObjectStateMsg(data []byte) (*StateUpdate, error) {
	upd := &StateUpdate{}
	var err error
	if upd.ObjID, err = getField(data, ObjStateMsg, "objId"); err != nil {
		return nil, err
	}
	if upd.CompPath, err = getField(data, ObjStateMsg, "compPath"); err != nil {
		return nil, err
	}
	if upd.State, err = getField(data, ObjStateMsg, "state"); err != nil {
		return nil, err
	}
	return upd, nil
}

// EncodeBooleanState 编码布尔型组件状态
func EncodeBooleanState(state bool) string {
	if state {
		return "true"
	}
	return "false"
}

// EncodeRangeState 编码数值型组件状态
func EncodeRangeState(state float64) string {
	return strconv.FormatFloat(state, 'f', -1, 64)
}

func IsObjectSetNameMsg(data []byte) bool  { return isMsg(data, ObjSetNameMsg) }
func IsObjectSetOwnerMsg(data []byte) bool { return isMsg(data, ObjSetOwnerMsg) }
func IsObjectAddPermMsg(data []byte) bool  { return isMsg(data, ObjAddPermMsg) }
func IsObjectUpdPermMsg(data []byte) bool  { return isMsg(data, ObjUpdPermMsg) }
func IsObjectRemPermMsg(data []byte) bool  { return isMsg(data, ObjRemPermMsg) }
func IsObjectActionMsg(data []byte) bool   { return isMsg(data, ObjActionMsg) }

func newServiceCommandMsg(tag, fullSrvID, objID string, extra ...string) []byte {
	var b strings.Builder
	b.WriteString(tag + "\n")
	b.WriteString("srvId:" + fullSrvID + "\n")
	b.WriteString("objId:" + objID)
	for _, line := range extra {
		b.WriteString("\n" + line)
	}
	return []byte(b.String())
}

func NewObjectSetNameMsg(fullSrvID, objID, newName string) []byte {
	return newServiceCommandMsg(ObjSetNameMsg, fullSrvID, objID, "name:"+newName)
}

func NewObjectSetOwnerMsg(fullSrvID, objID, newOwner string) []byte {
	return newServiceCommandMsg(ObjSetOwnerMsg, fullSrvID, objID, "owner:"+newOwner)
}

func NewObjectAddPermMsg(fullSrvID, objID, srvID, usrID string, permType PermType, connType ConnType) []byte {
	return newServiceCommandMsg(ObjAddPermMsg, fullSrvID, objID,
		"permSrvId:"+srvID, "permUsrId:"+usrID, "permType:"+permType.String(), "connType:"+connType.String())
}

func NewObjectUpdPermMsg(fullSrvID, objID, permID string, permType PermType, connType ConnType) []byte {
	return newServiceCommandMsg(ObjUpdPermMsg, fullSrvID, objID,
		"permId:"+permID, "permType:"+permType.String(), "connType:"+connType.String())
}

func NewObjectRemPermMsg(fullSrvID, objID, permID string) []byte {
	return newServiceCommandMsg(ObjRemPermMsg, fullSrvID, objID, "permId:"+permID)
}

// NewObjectActionMsg 构造动作指令，payload 为对象端自解释的单行指令体
func NewObjectActionMsg(fullSrvID, objID, compPath, payload string) []byte {
	return newServiceCommandMsg(ObjActionMsg, fullSrvID, objID, "compPath:"+compPath, "payload:"+payload)
}

func IsHistoryEventsReqMsg(data []byte) bool    { return isMsg(data, HistoryEventsReqMsg) }
func IsHistoryCompStateReqMsg(data []byte) bool { return isMsg(data, HistoryCompStateReqMsg) }

func NewHistoryEventsReqMsg(fullSrvID, objID string, limit int) []byte {
	return newServiceCommandMsg(HistoryEventsReqMsg, fullSrvID, objID, "limit:"+strconv.Itoa(limit))
}

func ParseHistoryEventsReqMsg(data []byte) (objID string, limit int, err error) {
	if objID, err = getField(data, HistoryEventsReqMsg, "objId"); err != nil {
		return "", 0, err
	}
	if limit, err = getIntField(data, HistoryEventsReqMsg, "limit"); err != nil {
		return "", 0, err
	}
	return objID, limit, nil
}

func NewHistoryCompStateReqMsg(fullSrvID, objID, compPath string, limit int) []byte {
	return newServiceCommandMsg(HistoryCompStateReqMsg, fullSrvID, objID,
		"compPath:"+compPath, "limit:"+strconv.Itoa(limit))
}

func ParseHistoryCompStateReqMsg(data []byte) (objID, compPath string, limit int, err error) {
	if objID, err = getField(data, HistoryCompStateReqMsg, "objId"); err != nil {
		return "", "", 0, err
	}
	if compPath, err = getField(data, HistoryCompStateReqMsg, "compPath"); err != nil {
		return "", "", 0, err
	}
	if limit, err = getIntField(data, HistoryCompStateReqMsg, "limit"); err != nil {
		return "", "", 0, err
	}
	return objID, compPath, limit, nil
}

// NewHistoryEventsResMsg 构造事件历史应答，rows 每行已序列化
func NewHistoryEventsResMsg(objID string, rows []string) []byte {
	var b strings.Builder
	b.WriteString(HistoryEventsResMsg + "\n")
	b.WriteString("objId:" + objID)
	for _, row := range rows {
		b.WriteString("\nevent:" + row)
	}
	return []byte(b.String())
}

func NewHistoryCompStateResMsg(objID, compPath string, rows []string) []byte {
	var b strings.Builder
	b.WriteString(HistoryCompStateResMsg + "\n")
	b.WriteString("objId:" + objID + "\n")
	b.WriteString("compPath:" + compPath)
	for _, row := range rows {
		b.WriteString("\nstate:" + row)
	}
	return []byte(b.String())
}
