package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOperator{},
	// Messaging
	&WaSession{},
	&MessageLog{},
	&Campaign{},
}
