package engine

// FieldType is the value type of an entity field as the bridge reports it.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldBool   FieldType = "bool"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
	FieldList   FieldType = "list"
)

// FieldSpec describes one readable field of an entity class.
type FieldSpec struct {
	Name string
	Type FieldType

	// Indexed marks fields the bridge's whose() evaluator can filter on.
	Indexed bool

	// ReadOnly fields are computed by the application and never written.
	ReadOnly bool
}

// entityFields is the field catalogue used by the planner and the composer.
// Fields that are derived (projectId, tags, parentId) are never indexed: the
// bridge exposes them as object references, not comparable scalars.
var entityFields = map[EntityClass][]FieldSpec{
	EntityTask: {
		{Name: "id", Type: FieldString, Indexed: true},
		{Name: "name", Type: FieldString, Indexed: true},
		{Name: "note", Type: FieldString, Indexed: true},
		{Name: "flagged", Type: FieldBool, Indexed: true},
		{Name: "completed", Type: FieldBool, Indexed: true},
		{Name: "inInbox", Type: FieldBool, Indexed: true, ReadOnly: true},
		{Name: "dueDate", Type: FieldDate, Indexed: true},
		{Name: "deferDate", Type: FieldDate, Indexed: true},
		{Name: "completionDate", Type: FieldDate, Indexed: true, ReadOnly: true},
		{Name: "estimatedMinutes", Type: FieldNumber, Indexed: true},
		{Name: "projectId", Type: FieldString},
		{Name: "tags", Type: FieldList},
		{Name: "repetitionRule", Type: FieldString},
	},
	EntityProject: {
		{Name: "id", Type: FieldString, Indexed: true},
		{Name: "name", Type: FieldString, Indexed: true},
		{Name: "note", Type: FieldString, Indexed: true},
		{Name: "flagged", Type: FieldBool, Indexed: true},
		{Name: "completed", Type: FieldBool, Indexed: true},
		{Name: "dueDate", Type: FieldDate, Indexed: true},
		{Name: "deferDate", Type: FieldDate, Indexed: true},
		{Name: "status", Type: FieldString},
		{Name: "folderId", Type: FieldString},
		{Name: "taskCount", Type: FieldNumber, ReadOnly: true},
		{Name: "tags", Type: FieldList},
	},
	EntityTag: {
		{Name: "id", Type: FieldString, Indexed: true},
		{Name: "name", Type: FieldString, Indexed: true},
		{Name: "parentId", Type: FieldString},
		{Name: "taskCount", Type: FieldNumber, ReadOnly: true},
	},
	EntityFolder: {
		{Name: "id", Type: FieldString, Indexed: true},
		{Name: "name", Type: FieldString, Indexed: true},
		{Name: "parentId", Type: FieldString},
	},
}

// Fields returns the field catalogue of an entity class.
func Fields(class EntityClass) []FieldSpec {
	return entityFields[class]
}

// LookupField returns the spec of a field, if the class has it.
func LookupField(class EntityClass, name string) (FieldSpec, bool) {
	for _, f := range entityFields[class] {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}
