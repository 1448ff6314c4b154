package types

// Built-in schema names selectable at collection creation.
const (
	BuiltinSysEventV1          = "sys_event_v1"
	BuiltinSysProfileCollectV1 = "sys_profile_collect_v1"
	BuiltinSysProfileV1        = "sys_profile_v1"
	BuiltinSysCommon           = "sys_common"
)

// builtinEventTypes holds the event type schemas the service ships with.
// sys_profile_v1 is an entity type and lives in builtinEntityTypes.
var builtinEventTypes = map[string]*EventTypeSchema{
	BuiltinSysEventV1: {
		EventType: BuiltinSysEventV1,
		Version:   1,
		Properties: []PropertyDef{
			{PropertyName: "summary", PropertyValueType: ValueString, Description: "one-sentence summary of the exchange"},
			{PropertyName: "topic", PropertyValueType: ValueString, Description: "dominant topic of the exchange"},
			{PropertyName: "keywords", PropertyValueType: ValueListString, Description: "salient keywords"},
		},
	},
	BuiltinSysProfileCollectV1: {
		EventType: BuiltinSysProfileCollectV1,
		Version:   1,
		Properties: []PropertyDef{
			{PropertyName: "profile_key", PropertyValueType: ValueString, Description: "profile attribute name"},
			{PropertyName: "profile_value", PropertyValueType: ValueString, Description: "observed attribute value"},
			{PropertyName: "confidence", PropertyValueType: ValueFloat32, Description: "extraction confidence in [0,1]"},
		},
	},
	BuiltinSysCommon: {
		EventType: BuiltinSysCommon,
		Version:   1,
		Properties: []PropertyDef{
			{PropertyName: "content", PropertyValueType: ValueString, Description: "free-form memory content"},
			{PropertyName: "keywords", PropertyValueType: ValueListString, Description: "salient keywords"},
		},
	},
}

// builtinEntityTypes holds the entity type schemas the service ships with.
var builtinEntityTypes = map[string]*EntityTypeSchema{
	BuiltinSysProfileV1: {
		EntityType:           BuiltinSysProfileV1,
		AssociatedEventTypes: []string{BuiltinSysProfileCollectV1},
		Properties: []PropertyDef{
			{PropertyName: "profile_key", PropertyValueType: ValueString, IsPrimaryKey: true, UseProvided: true},
			{PropertyName: "profile_value", PropertyValueType: ValueString, UseProvided: true},
			{
				PropertyName:      "observe_count",
				PropertyValueType: ValueInt64,
				Aggregate: &AggregateExpression{
					Op:                OpCount,
					EventType:         BuiltinSysProfileCollectV1,
					EventPropertyName: "profile_value",
				},
			},
			{
				PropertyName:      "confidence_max",
				PropertyValueType: ValueFloat32,
				Aggregate: &AggregateExpression{
					Op:                OpMax,
					EventType:         BuiltinSysProfileCollectV1,
					EventPropertyName: "confidence",
				},
			},
		},
	},
}

// BuiltinsFor resolves the requested built-in names into event and entity
// schemas. Selecting sys_profile_v1 implies sys_profile_collect_v1, since
// the profile entity is fed by the collect event stream. Names matching no
// builtin are returned in unknown for the caller to reject.
func BuiltinsFor(eventNames, entityNames []string) (map[string]*EventTypeSchema, map[string]*EntityTypeSchema, []string) {
	events := make(map[string]*EventTypeSchema)
	entities := make(map[string]*EntityTypeSchema)
	var unknown []string
	for _, name := range eventNames {
		ev, ok := builtinEventTypes[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		events[ev.EventType] = ev
	}
	for _, name := range entityNames {
		ent, ok := builtinEntityTypes[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		entities[ent.EntityType] = ent
		for _, dep := range ent.AssociatedEventTypes {
			events[dep] = builtinEventTypes[dep]
		}
	}
	return events, entities, unknown
}
