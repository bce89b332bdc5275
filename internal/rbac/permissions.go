package rbac

// Permission keys.
const (
	PermViewBalances         = "view_balances"
	PermViewTransactions     = "view_transactions"
	PermViewKPI              = "view_kpi"
	PermViewForecasts        = "view_forecasts"
	PermViewAnalytics        = "view_analytics"
	PermCreateForecasts      = "create_forecasts"
	PermGenerateReports      = "generate_reports"
	PermViewInvestments      = "view_investments"
	PermViewCollections      = "view_collections"
	PermAnalyzeInvestments   = "analyze_investments"
	PermManageCash           = "manage_cash"
	PermInitiatePayments     = "initiate_payments"
	PermApprovePaymentsLow   = "approve_payments_low"
	PermApprovePaymentsMed   = "approve_payments_medium"
	PermApprovePaymentsHigh  = "approve_payments_high"
	PermModifyLimits         = "modify_limits"
	PermManageCounterparties = "manage_counterparties"
	PermExportData           = "export_data"
	PermViewRiskReports      = "view_risk_reports"
	PermManageCollections    = "manage_collections"
	PermExecuteInvestments   = "execute_investments"
	PermAssessRisk           = "assess_risk"
	PermManageRiskLimits     = "manage_risk_limits"
	PermViewCompliance       = "view_compliance"
	PermCashAdmin            = "cash_admin"
	PermPaymentAdmin         = "payment_admin"
	PermInvestmentAdmin      = "investment_admin"
	PermCollectionsAdmin     = "collections_admin"
	PermViewUsers            = "view_users"
	PermManageUsers          = "manage_users"
	PermViewSystemLogs       = "view_system_logs"
	PermAuditAccess          = "audit_access"
	PermSystemAdmin          = "system_admin"
	PermSystemConfig         = "system_config"
	PermComplianceAdmin      = "compliance_admin"
	PermRiskAdmin            = "risk_admin"
	PermManageKeys           = "manage_keys"
)

// Permission describes a grantable capability.
type Permission struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

var BuiltinPermissions = []Permission{
	{Key: PermViewBalances, Description: "View cash balances"},
	{Key: PermViewTransactions, Description: "View transactions and payments"},
	{Key: PermViewKPI, Description: "View dashboard KPIs"},
	{Key: PermViewForecasts, Description: "View cash forecasts"},
	{Key: PermViewAnalytics, Description: "View analytics"},
	{Key: PermCreateForecasts, Description: "Create and update forecasts"},
	{Key: PermGenerateReports, Description: "Generate reports"},
	{Key: PermViewInvestments, Description: "View investment positions"},
	{Key: PermViewCollections, Description: "View receivables and collections"},
	{Key: PermAnalyzeInvestments, Description: "Run investment analysis"},
	{Key: PermManageCash, Description: "Move cash between accounts"},
	{Key: PermInitiatePayments, Description: "Initiate payments"},
	{Key: PermApprovePaymentsLow, Description: "Approve payments up to the low tier limit"},
	{Key: PermApprovePaymentsMed, Description: "Approve payments up to the medium tier limit"},
	{Key: PermApprovePaymentsHigh, Description: "Approve payments above the medium tier limit"},
	{Key: PermModifyLimits, Description: "Modify forecast and cash limits"},
	{Key: PermManageCounterparties, Description: "Manage counterparties"},
	{Key: PermExportData, Description: "Export data"},
	{Key: PermViewRiskReports, Description: "View risk reports"},
	{Key: PermManageCollections, Description: "Manage collections"},
	{Key: PermExecuteInvestments, Description: "Execute investment orders"},
	{Key: PermAssessRisk, Description: "Produce risk assessments"},
	{Key: PermManageRiskLimits, Description: "Manage risk limits"},
	{Key: PermViewCompliance, Description: "View compliance reports"},
	{Key: PermCashAdmin, Description: "Administer cash accounts"},
	{Key: PermPaymentAdmin, Description: "Administer payments"},
	{Key: PermInvestmentAdmin, Description: "Administer investments"},
	{Key: PermCollectionsAdmin, Description: "Administer collections"},
	{Key: PermViewUsers, Description: "View users"},
	{Key: PermManageUsers, Description: "Create and update users"},
	{Key: PermViewSystemLogs, Description: "View system logs"},
	{Key: PermAuditAccess, Description: "Read the audit log"},
	{Key: PermSystemAdmin, Description: "Full system administration"},
	{Key: PermSystemConfig, Description: "Change system configuration"},
	{Key: PermComplianceAdmin, Description: "Administer compliance"},
	{Key: PermRiskAdmin, Description: "Administer risk settings"},
	{Key: PermManageKeys, Description: "Manage encryption keys"},
}

// Role names.
const (
	RoleViewer          = "viewer"
	RoleAnalyst         = "treasury_analyst"
	RoleManager         = "treasury_manager"
	RolePaymentApprover = "payment_approver"
	RoleRiskOfficer     = "risk_officer"
	RoleCFO             = "cfo"
	RoleAuditor         = "auditor"
	RoleSystemAdmin     = "system_admin"
)

// DefaultRoles returns the built-in role table.
func DefaultRoles() []RoleDef {
	return []RoleDef{
		{
			Name:        RoleViewer,
			Description: "Read-only access to balances, transactions and KPIs",
			Permissions: []string{PermViewBalances, PermViewTransactions, PermViewKPI},
		},
		{
			Name:        RoleAnalyst,
			Description: "Forecasting, analytics and reporting",
			Inherits:    []string{RoleViewer},
			Permissions: []string{
				PermViewForecasts, PermViewAnalytics, PermCreateForecasts, PermGenerateReports,
				PermViewInvestments, PermViewCollections, PermAnalyzeInvestments,
			},
		},
		{
			Name:        RoleManager,
			Description: "Cash management, payment initiation and approvals up to the medium tier",
			Inherits:    []string{RoleAnalyst},
			Permissions: []string{
				PermManageCash, PermInitiatePayments, PermApprovePaymentsLow, PermApprovePaymentsMed,
				PermModifyLimits, PermManageCounterparties, PermExportData, PermViewRiskReports,
				PermManageCollections, PermExecuteInvestments,
			},
		},
		{
			Name:        RolePaymentApprover,
			Description: "Approves payments in every tier",
			Inherits:    []string{RoleViewer},
			Permissions: []string{PermApprovePaymentsLow, PermApprovePaymentsMed, PermApprovePaymentsHigh, PermExportData},
		},
		{
			Name:        RoleRiskOfficer,
			Description: "Risk assessment and limits",
			Inherits:    []string{RoleAnalyst},
			Permissions: []string{
				PermViewRiskReports, PermAssessRisk, PermManageRiskLimits, PermExportData,
				PermGenerateReports, PermViewCompliance,
			},
		},
		{
			Name:        RoleCFO,
			Description: "Executive oversight of treasury operations",
			Inherits:    []string{RoleManager, RolePaymentApprover, RoleRiskOfficer},
			Permissions: []string{
				PermApprovePaymentsHigh, PermCashAdmin, PermPaymentAdmin, PermInvestmentAdmin,
				PermCollectionsAdmin, PermViewUsers, PermManageUsers, PermViewSystemLogs,
			},
		},
		{
			Name:        RoleAuditor,
			Description: "Read access to audit, compliance and risk material",
			Inherits:    []string{RoleViewer},
			Permissions: []string{
				PermViewForecasts, PermViewAnalytics, PermViewRiskReports, PermAuditAccess,
				PermViewCompliance, PermViewSystemLogs, PermExportData,
			},
		},
		{
			Name:        RoleSystemAdmin,
			Description: "Unrestricted administration",
			Inherits:    []string{RoleCFO, RoleAuditor},
			Permissions: []string{PermSystemAdmin, PermSystemConfig, PermComplianceAdmin, PermRiskAdmin, PermManageKeys},
		},
	}
}
