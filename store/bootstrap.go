package store

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/openwiki/infobase/api"
)

func typeDef(key string, kind string, props ...api.Document) api.Document {
	d := api.Document{
		"key":  key,
		"type": api.NewReference("/type/type"),
	}
	if kind != "" {
		d["kind"] = kind
	}
	if len(props) > 0 {
		list := make([]interface{}, len(props))
		for i, p := range props {
			list[i] = map[string]interface{}(p)
		}
		d["properties"] = list
	}
	return d
}

func propDef(name, expected string, unique bool) api.Document {
	return api.Document{
		"name":          name,
		"expected_type": api.NewReference(expected),
		"unique":        unique,
	}
}

// Initialize seeds an empty datastore with the core types, usergroups, the
// admin user and the standard permission objects. Safe to call on every
// startup; a store that already has /type/type is left untouched.
func (s *Store) Initialize(ctx context.Context, adminPassword string) error {
	r := s.kv.Read()
	t, err := loadThing(ctx, r, "/type/type")
	r.Close()
	if err != nil {
		return err
	}
	if t != nil {
		return nil
	}

	docs := []api.Document{
		typeDef("/type/type", "",
			propDef("name", "/type/string", true),
			propDef("kind", "/type/string", true),
			propDef("description", "/type/text", true),
			propDef("properties", "/type/property", false),
		),
		typeDef("/type/key", "primitive"),
		typeDef("/type/string", "primitive"),
		typeDef("/type/text", "primitive"),
		typeDef("/type/int", "primitive"),
		typeDef("/type/float", "primitive"),
		typeDef("/type/boolean", "primitive"),
		typeDef("/type/datetime", "primitive"),
		typeDef("/type/object", ""),
		typeDef("/type/delete", ""),
		typeDef("/type/property", "embeddable",
			propDef("name", "/type/string", true),
			propDef("expected_type", "/type/type", true),
			propDef("unique", "/type/boolean", true),
		),
		typeDef("/type/user", "",
			propDef("displayname", "/type/string", true),
			propDef("description", "/type/text", true),
		),
		typeDef("/type/usergroup", "",
			propDef("description", "/type/text", true),
			propDef("members", "/type/user", false),
		),
		typeDef("/type/permission", "",
			propDef("description", "/type/text", true),
			propDef("readers", "/type/usergroup", false),
			propDef("writers", "/type/usergroup", false),
		),
		{
			"key":         "/user/admin",
			"type":        api.NewReference("/type/user"),
			"displayname": "Administrator",
		},
		{
			"key":         "/usergroup/everyone",
			"type":        api.NewReference("/type/usergroup"),
			"description": "all users, logged in or not",
		},
		{
			"key":         "/usergroup/allusers",
			"type":        api.NewReference("/type/usergroup"),
			"description": "all logged-in users",
		},
		{
			"key":     "/usergroup/admin",
			"type":    api.NewReference("/type/usergroup"),
			"members": []interface{}{api.NewReference("/user/admin")},
		},
		{
			"key":     "/permission/open",
			"type":    api.NewReference("/type/permission"),
			"writers": []interface{}{api.NewReference("/usergroup/everyone")},
		},
		{
			"key":     "/permission/loggedinusers",
			"type":    api.NewReference("/type/permission"),
			"writers": []interface{}{api.NewReference("/usergroup/allusers")},
		},
		{
			"key":     "/permission/restricted",
			"type":    api.NewReference("/type/permission"),
			"writers": []interface{}{api.NewReference("/usergroup/admin")},
		},
		{
			"key":              "/",
			"type":             api.NewReference("/type/object"),
			"permission":       api.NewReference("/permission/restricted"),
			"child_permission": api.NewReference("/permission/open"),
		},
	}

	_, _, err = s.SaveMany(ctx, SaveRequest{
		Kind:   "bootstrap",
		Author: "/user/admin",
		Docs:   docs,
	})
	if err != nil {
		return err
	}

	if adminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		err = s.putUserDetails(ctx, "/user/admin", "", &api.UserDetails{
			Email:       "admin@localhost",
			EncPassword: string(hash),
			Status:      "active",
		})
		if err != nil {
			return err
		}
	}

	s.cache.Pin(
		"/type/type", "/type/key", "/type/string", "/type/text", "/type/int",
		"/type/float", "/type/boolean", "/type/datetime", "/type/object",
		"/type/delete", "/type/property", "/type/user", "/type/usergroup",
		"/type/permission",
		"/usergroup/everyone", "/usergroup/allusers", "/usergroup/admin",
		"/permission/open", "/permission/loggedinusers", "/permission/restricted",
	)

	s.log.Info("seeded empty datastore", "documents", len(docs))
	return nil
}
