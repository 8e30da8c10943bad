package catalog

// Default returns the built-in construction workflow catalog. Real
// deployments import their own via `sl catalog import`; this one seeds fresh
// workspaces and keeps tests honest about multi-phase ordering.
func Default() *Catalog {
	c, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic("default catalog invalid: " + err.Error())
	}
	return c
}

// DefaultYAML returns the built-in catalog as YAML.
func DefaultYAML() string {
	return defaultTemplate
}

const defaultTemplate = `kind: construction

phases:
  - id: lead
    type: lead
    name: Lead
    sections:
      - id: lead-intake
        name: Intake
        items:
          - id: lead-contact-logged
            name: Initial contact logged
            responsible_role: sales
            alert_lead_days: 1
          - id: lead-inspection-scheduled
            name: Inspection scheduled
            responsible_role: sales
            alert_lead_days: 2

  - id: prospect
    type: prospect
    name: Prospect
    sections:
      - id: prospect-inspection
        name: Inspection
        items:
          - id: prospect-inspection-completed
            name: Roof inspection completed
            responsible_role: sales
            alert_lead_days: 2
          - id: prospect-photos-uploaded
            name: Damage photos uploaded
            responsible_role: sales
            alert_lead_days: 1
      - id: prospect-claim
        name: Insurance claim
        items:
          - id: prospect-claim-filed
            name: Claim filed with carrier
            responsible_role: office
            alert_lead_days: 3
          - id: prospect-adjuster-meeting
            name: Adjuster meeting held
            responsible_role: project_manager
            alert_lead_days: 5

  - id: approved
    type: approved
    name: Approved
    sections:
      - id: approved-contract
        name: Contract
        items:
          - id: approved-contract-signed
            name: Contract signed
            responsible_role: sales
            alert_lead_days: 3
          - id: approved-scope-confirmed
            name: Scope of work confirmed
            responsible_role: administration
            alert_lead_days: 2
      - id: approved-planning
        name: Planning
        items:
          - id: approved-materials-ordered
            name: Materials ordered
            responsible_role: administration
            alert_lead_days: 3
          - id: approved-crew-scheduled
            name: Crew scheduled
            responsible_role: field_director
            alert_lead_days: 2

  - id: execution
    type: execution
    name: Execution
    sections:
      - id: execution-build
        name: Build
        items:
          - id: execution-materials-delivered
            name: Materials delivered
            responsible_role: field_director
            alert_lead_days: 1
          - id: execution-build-completed
            name: Build completed
            responsible_role: field_director
            alert_lead_days: 2
          - id: execution-site-cleaned
            name: Site cleaned and inspected
            responsible_role: field_director
            alert_lead_days: 1

  - id: second_supplement
    type: second_supplement
    name: Second supplement
    sections:
      - id: supplement-review
        name: Supplement review
        items:
          - id: supplement-items-identified
            name: Supplement items identified
            responsible_role: supplement_coordinator
            alert_lead_days: 3
          - id: supplement-submitted
            name: Supplement submitted to carrier
            responsible_role: supplement_coordinator
            alert_lead_days: 5

  - id: completion
    type: completion
    name: Completion
    sections:
      - id: completion-closeout
        name: Closeout
        items:
          - id: completion-final-invoice
            name: Final invoice sent
            responsible_role: administration
            alert_lead_days: 2
          - id: completion-payment-received
            name: Payment received
            responsible_role: administration
            alert_lead_days: 7
          - id: completion-warranty-registered
            name: Warranty registered
            responsible_role: office
            alert_lead_days: 3
`
