package credits

const (
	operationAdjust   = "adjust"
	operationAllocate = "allocate"
	operationSchedule = "schedule"
	operationSweep    = "sweep"
	operationRedeem   = "redeem"
	operationPromo    = "create_promo_code"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	metadataKeyActorID         = "actor_id"
	metadataKeyAllocatedAmount = "allocated_amount"
	metadataKeyPreviousAmount  = "previous_amount"
	metadataKeyPreviousBalance = "previous_balance"
	metadataKeyDelta           = "delta"
	metadataKeyCapReached      = "cap_reached"
	metadataKeyRequestedAmount = "requested_amount"
	metadataKeyActualAmount    = "actual_amount"
	metadataKeyAllocationID    = "allocation_id"
	metadataKeyPromoCode       = "promo_code"

	defaultAdjustmentDescription = "Admin adjustment"
	defaultScheduleSource        = "subscription"

	// DefaultEquipmentCreditCap bounds the equipment credit balance after an allocation.
	DefaultEquipmentCreditCap int64 = 250

	daysPerWeek = 7
)
