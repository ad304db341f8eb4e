package utils

// SanitizeJSONSchema 原地递归清洗 JSON Schema，移除 Vertex AI
// functionDeclarations 不接受的字段。客户端工具的 schema 往往带有
// draft-07 的校验关键字，Gemini 端会整体拒绝。
func SanitizeJSONSchema(schema map[string]interface{}) {
	if schema == nil {
		return
	}

	delete(schema, "default")
	delete(schema, "minLength")
	delete(schema, "maxLength")
	delete(schema, "additionalProperties")
	delete(schema, "title")
	delete(schema, "examples")
	delete(schema, "$schema")

	// Gemini 的 string format 只认 enum 和 date-time
	if format, ok := schema["format"].(string); ok {
		if format != "enum" && format != "date-time" {
			delete(schema, "format")
		}
	}

	// type 不支持数组写法，["string","null"] 取第一个非 null 类型
	if typeVal, ok := schema["type"]; ok {
		if typeArr, ok := typeVal.([]interface{}); ok {
			for _, t := range typeArr {
				if s, ok := t.(string); ok && s != "null" {
					schema["type"] = s
					break
				}
			}
		}
	}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for _, v := range props {
			if child, ok := v.(map[string]interface{}); ok {
				SanitizeJSONSchema(child)
			}
		}
	}

	if items, ok := schema["items"].(map[string]interface{}); ok {
		SanitizeJSONSchema(items)
	}
}
