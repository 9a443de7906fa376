package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// compPathSeparator 分隔组件路径的层级，如 "room>light1"
const compPathSeparator = ">"

// patchStructureState 在对象结构 JSON 中定位组件并仅覆盖其 state 字段，
// 文档其余部分字节保持不变。结构形如：
//
//	{"name":"root","components":[{"name":"room","components":[{"name":"light1","state":"false"}]}]}
func patchStructureState(structure, compPath, state string) (string, error) {
	if !gjson.Valid(structure) {
		return "", fmt.Errorf("object structure is not valid JSON")
	}

	jsonPath := ""
	for _, segment := range strings.Split(compPath, compPathSeparator) {
		componentsPath := "components"
		if jsonPath != "" {
			componentsPath = jsonPath + ".components"
		}
		components := gjson.Get(structure, componentsPath)
		if !components.IsArray() {
			return "", fmt.Errorf("component %s not found in path %s", segment, compPath)
		}

		found := -1
		components.ForEach(func(key, value gjson.Result) bool {
			if value.Get("name").String() == segment {
				found = int(key.Int())
				return false
			}
			return true
		})
		if found < 0 {
			return "", fmt.Errorf("component %s not found in path %s", segment, compPath)
		}
		jsonPath = componentsPath + "." + strconv.Itoa(found)
	}

	return sjson.Set(structure, jsonPath+".state", state)
}
