package protocol

import (
	"fmt"
	"strings"
)

// PermType 定义了服务对对象的权限等级，按 None < Status < Actions < CoOwner 排序
type PermType byte

const (
	PermNone PermType = iota
	PermStatus
	PermActions
	PermCoOwner
)

var permTypeMap = map[PermType]string{
	PermNone:    "None",
	PermStatus:  "Status",
	PermActions: "Actions",
	PermCoOwner: "CoOwner",
}

func (t PermType) String() string {
	return permTypeMap[t]
}

// GreaterEqual 实现"最低权限"比较
func (t PermType) GreaterEqual(min PermType) bool {
	return t >= min
}

func ParsePermType(value string) (PermType, error) {
	for k, v := range permTypeMap {
		if v == value {
			return k, nil
		}
	}
	return PermNone, fmt.Errorf("unknown permission type %q", value)
}

// ConnType 定义了权限允许的连接范围
type ConnType byte

const (
	ConnOnlyLocal ConnType = iota
	ConnLocalAndCloud
)

var connTypeMap = map[ConnType]string{
	ConnOnlyLocal:     "OnlyLocal",
	ConnLocalAndCloud: "LocalAndCloud",
}

func (t ConnType) String() string {
	return connTypeMap[t]
}

func ParseConnType(value string) (ConnType, error) {
	for k, v := range connTypeMap {
		if v == value {
			return k, nil
		}
	}
	return ConnOnlyLocal, fmt.Errorf("unknown connection type %q", value)
}

// 权限通配符，来自对象端权限文件
const (
	WildcardAll   = "#All"
	WildcardOwner = "#Owner"
)

// JOSPPerm 是一条权限授权记录
type JOSPPerm struct {
	ID         string   `bson:"perm_id"`
	ObjID      string   `bson:"obj_id"`
	SrvID      string   `bson:"srv_id"`
	UsrID      string   `bson:"usr_id"`
	Type       PermType `bson:"perm_type"`
	Connection ConnType `bson:"conn_type"`
}

// formatPermRow 序列化为 OBJ_PERMS 报文中的一行
func formatPermRow(p JOSPPerm) string {
	return fmt.Sprintf("perm:%s;%s;%s;%s;%s;%s", p.ID, p.ObjID, p.SrvID, p.UsrID, p.Type.String(), p.Connection.String())
}

func parsePermRow(row string) (JOSPPerm, error) {
	fields := strings.Split(row, ";")
	if len(fields) != 6 {
		return JOSPPerm{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}
	permType, err := ParsePermType(fields[4])
	if err != nil {
		return JOSPPerm{}, err
	}
	connType, err := ParseConnType(fields[5])
	if err != nil {
		return JOSPPerm{}, err
	}
	return JOSPPerm{
		ID:         fields[0],
		ObjID:      fields[1],
		SrvID:      fields[2],
		UsrID:      fields[3],
		Type:       permType,
		Connection: connType,
	}, nil
}

func IsObjectPermsMsg(data []byte) bool {
	return isMsg(data, ObjPermsMsg)
}

func NewObjectPermsMsg(objID string, perms []JOSPPerm) []byte {
	var b strings.Builder
	b.WriteString(ObjPermsMsg + "\n")
	b.WriteString("objId:" + objID + "\n")
	for _, p := range perms {
		b.WriteString(formatPermRow(p) + "\n")
	}
	return []byte(strings.TrimSuffix(b.String(), "\n"))
}

// ParseObjectPermsMsg 返回 OBJ_PERMS 报文携带的完整权限列表
func ParseObjectPermsMsg(data []byte) (string, []JOSPPerm, error) {
	objID, err := getField(data, ObjPermsMsg, "objId")
	if err != nil {
		return "", nil, err
	}
	var perms []JOSPPerm
	for _, line := range strings.Split(string(data), "\n")[1:] {
		row, found := strings.CutPrefix(line, "perm:")
		if !found {
			continue
		}
		perm, err := parsePermRow(row)
		if err != nil {
			return "", nil, newParsingError(ObjPermsMsg, "perm", err.Error())
		}
		perms = append(perms, perm)
	}
	return objID, perms, nil
}

// SrvPerm 是网关对"某服务在某对象上的生效授权"的视图
type SrvPerm struct {
	Type       PermType
	Connection ConnType
}

func IsServicePermMsg(data []byte) bool {
	return isMsg(data, SrvPermMsg)
}

// NewServicePermMsg 构造发往单个服务的授权变更通知
func NewServicePermMsg(objID string, perm SrvPerm) []byte {
	return []byte(fmt.Sprintf("%s\nobjId:%s\npermType:%s\nconnType:%s",
		SrvPermMsg, objID, perm.Type.String(), perm.Connection.String()))
}

func ParseServicePermMsg(data []byte) (string, SrvPerm, error) {
	objID, err := getField(data, SrvPermMsg, "objId")
	if err != nil {
		return "", SrvPerm{}, err
	}
	typeField, err := getField(data, SrvPermMsg, "permType")
	if err != nil {
		return "", SrvPerm{}, err
	}
	permType, err := ParsePermType(typeField)
	if err != nil {
		return "", SrvPerm{}, newParsingError(SrvPermMsg, "permType", err.Error())
	}
	connField, err := getField(data, SrvPermMsg, "connType")
	if err != nil {
		return "", SrvPerm{}, err
	}
	connType, err := ParseConnType(connField)
	if err != nil {
		return "", SrvPerm{}, newParsingError(SrvPermMsg, "connType", err.Error())
	}
	return objID, SrvPerm{Type: permType, Connection: connType}, nil
}
