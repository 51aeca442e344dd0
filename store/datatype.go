package store

import (
	"encoding/json"

	"github.com/openwiki/infobase/api"
)

// Datatypes used for index routing. Only str, int and ref are indexed;
// everything else is stored in the document but not queryable.
const (
	dtStr      = "str"
	dtInt      = "int"
	dtFloat    = "float"
	dtBoolean  = "boolean"
	dtDatetime = "datetime"
	dtRef      = "ref"
	dtKey      = "key"
)

var indexedDatatypes = []string{dtStr, dtInt, dtRef}

var typeToDatatype = map[string]string{
	"/type/key":      dtKey,
	"/type/string":   dtStr,
	"/type/text":     "text",
	"/type/int":      dtInt,
	"/type/float":    dtFloat,
	"/type/boolean":  dtBoolean,
	"/type/datetime": dtDatetime,
}

// type2datatype maps a type key to the datatype used for indexing values of
// that type. Non-primitive types are references.
func type2datatype(typeKey string) string {
	if d, ok := typeToDatatype[typeKey]; ok {
		return d
	}
	return dtRef
}

// Properties whose datatype is fixed regardless of the type schema.
var commonProperties = map[string]string{
	"key":              dtKey,
	"type":             dtRef,
	"permission":       dtRef,
	"child_permission": dtRef,
	"created":          dtDatetime,
	"last_modified":    dtDatetime,
}

// findDatatype resolves the datatype of a query condition: special
// properties first, then the type schema, then the shape of the value.
// The schema wins over the shape because JSON clients deliver every number
// as a float.
func findDatatype(typeDoc api.Document, name string, value interface{}) string {
	if d, ok := commonProperties[name]; ok {
		return d
	}

	if typeDoc != nil {
		if p := typeProperty(typeDoc, name); p != nil {
			if et, ok := api.Reference(p["expected_type"]); ok {
				return type2datatype(et)
			}
		}
	}

	switch v := value.(type) {
	case bool:
		return dtBoolean
	case float64:
		return dtFloat
	case int, int64:
		return dtInt
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return dtInt
		}
		return dtFloat
	case map[string]interface{}:
		if _, ok := api.Reference(v); ok {
			return dtRef
		}
	}
	return dtStr
}

// typeProperty finds the named property record in a type document.
func typeProperty(typeDoc api.Document, name string) api.Document {
	props, _ := typeDoc["properties"].([]interface{})
	for _, p := range props {
		m, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		if m["name"] == name {
			return api.Document(m)
		}
	}
	return nil
}
