package authz

import (
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/payauth/pkg/db"
)

//go:embed model.conf
var modelText string

const (
	ObjectPaymentToken = "payment_token"

	ActionDecrypt = "payment_token.decrypt"
	ActionRead    = "payment_token.read"
)

// RoleDecryptor is the only role allowed to see clear card data.
const RoleDecryptor = "role:decryptor"

// NewEnforcer builds the decrypt allow-list enforcer against the token
// database. Policies persist through the gorm adapter so operational grants
// survive restarts; the seed below covers the two known workers.
func NewEnforcer(tokenDB db.TokenDB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(tokenDB.DB)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

// Allowed reports whether a calling service may perform an action on
// payment tokens.
func Allowed(enforcer *casbin.SyncedEnforcer, serviceName, action string) (bool, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return false, nil
	}
	return enforcer.Enforce("service:"+serviceName, ObjectPaymentToken, action)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{RoleDecryptor, ObjectPaymentToken, ActionDecrypt},
		{RoleDecryptor, ObjectPaymentToken, ActionRead},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	groupings := [][]string{
		{"service:auth-processor-worker", RoleDecryptor},
		{"service:void-processor-worker", RoleDecryptor},
	}
	for _, grouping := range groupings {
		if _, err := enforcer.AddGroupingPolicy(grouping); err != nil {
			return err
		}
	}
	return nil
}
