package dispatcher

import "github.com/agent-bridge/bridge/internal/auth"

// capability names the permission-table rows in spec §4.3 step 2.
type capability string

const (
	capThreadRead      capability = "thread:read"
	capThreadManage    capability = "thread:manage"
	capMessageRead     capability = "message:read"
	capMessageWrite    capability = "message:write"
	capSessionHeartbeat capability = "session:heartbeat"
	capAuditRead       capability = "audit:read"
)

// permissionTable mirrors spec §4.3's table exactly: participant,
// coordinator, auditor columns.
var permissionTable = map[capability]map[auth.Role]bool{
	capThreadRead:       {auth.RoleParticipant: true, auth.RoleCoordinator: true, auth.RoleAuditor: true},
	capThreadManage:     {auth.RoleCoordinator: true},
	capMessageRead:      {auth.RoleParticipant: true, auth.RoleCoordinator: true, auth.RoleAuditor: true},
	capMessageWrite:     {auth.RoleParticipant: true, auth.RoleCoordinator: true},
	capSessionHeartbeat: {auth.RoleParticipant: true, auth.RoleCoordinator: true, auth.RoleAuditor: true},
	capAuditRead:        {auth.RoleCoordinator: true, auth.RoleAuditor: true},
}

// authorize implements spec §4.3 step 2.
func authorize(role auth.Role, cap capability) bool {
	return permissionTable[cap][role]
}

// operationCapability maps each wire operation to the capability it
// requires. trigger_participant requires thread:manage, matching the
// "dormant participant nudging" control-plane character of the operation.
var operationCapability = map[string]capability{
	"create_thread":        capThreadManage,
	"get_thread":           capThreadRead,
	"update_thread_status": capThreadManage,
	"summarize_thread":     capThreadRead,
	"post_message":         capMessageWrite,
	"read_messages":        capMessageRead,
	"ack_read":             capMessageRead,
	"heartbeat_session":    capSessionHeartbeat,
	"trigger_participant":  capThreadManage,
}
