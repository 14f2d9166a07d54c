package dbus

// Standard D-Bus method names
const (
	DBUS_INTERFACE = "org.freedesktop.DBus"

	INTROSPECTABLE     = DBUS_INTERFACE + ".Introspectable"
	BUS_NAME_HAS_OWNER = DBUS_INTERFACE + ".NameHasOwner"
	DBUS_PROP_IFACE    = DBUS_INTERFACE + ".Properties"

	PROP_GET     = DBUS_PROP_IFACE + ".Get"
	PROP_GET_ALL = DBUS_PROP_IFACE + ".GetAll"

	ERR_UNKNOWN_PROPERTY  = DBUS_INTERFACE + ".Error.UnknownProperty"
	ERR_UNKNOWN_INTERFACE = DBUS_INTERFACE + ".Error.UnknownInterface"
	ERR_PROPERTY_READONLY = DBUS_INTERFACE + ".Error.PropertyReadOnly"
	ERR_FAILED            = DBUS_INTERFACE + ".Error.Failed"
)
