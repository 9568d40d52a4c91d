package schema

// Users returns the actor table referenced by audit_logs.user_id.
func Users() Table {
	return Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: BigIncrements},
			{Name: "email", Type: String, Length: 255, Unique: true},
			{Name: "name", Type: String, Length: 255},
			{Name: "created_at", Type: Timestamp},
			{Name: "updated_at", Type: Timestamp},
		},
	}
}

// AuditLogs returns the audit_logs table definition. Each index serves one query shape:
// per-actor trail, per-record trail, per-event reporting and time-range retention/export.
func AuditLogs() Table {
	return Table{
		Name: "audit_logs",
		Columns: []Column{
			{Name: "id", Type: BigIncrements},
			{
				Name:       "user_id",
				Type:       BigInteger,
				Nullable:   true,
				References: &ForeignKey{Table: "users", Column: "id", OnDelete: SetNull},
			},
			{Name: "event_type", Type: String, Length: 100},
			{Name: "table_name", Type: String, Length: 100},
			{Name: "record_id", Type: UnsignedBigInteger, Nullable: true},
			{Name: "old_values", Type: JSON, Nullable: true},
			{Name: "new_values", Type: JSON, Nullable: true},
			{Name: "ip_address", Type: String, Length: 45, Nullable: true},
			{Name: "user_agent", Type: Text, Nullable: true},
			{Name: "created_at", Type: Timestamp},
			{Name: "updated_at", Type: Timestamp},
		},
		Indexes: []Index{
			{Name: "idx_audit_user", Columns: []string{"user_id"}},
			{Name: "idx_audit_table", Columns: []string{"table_name", "record_id"}},
			{Name: "idx_audit_event", Columns: []string{"event_type"}},
			{Name: "idx_audit_created", Columns: []string{"created_at"}},
		},
	}
}

// All returns every table in dependency order.
func All() []Table {
	return []Table{Users(), AuditLogs()}
}

// Reverted returns the tables a revert drops. users is shared with the host
// application and is only included when withUsers is set.
func Reverted(withUsers bool) []Table {
	if withUsers {
		return All()
	}
	return []Table{AuditLogs()}
}
